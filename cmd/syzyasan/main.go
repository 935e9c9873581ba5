package main

import (
	"bytes"
	"fmt"
	"os"

	peparser "github.com/saferwall/pe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/EgoIncarnate/syzygy/pkg/asan"
	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syzyasan",
		Short: "Asan instrumentation for 32-bit Windows block graphs",
	}

	// instrument command
	var input string
	var output string
	var verbose bool
	var debugFriendly bool
	var useLiveness bool
	var removeRedundant bool
	var useInterceptors bool
	var rate float64
	var hotPatching bool
	var dllName string
	var paramsFile string

	instrumentCmd := &cobra.Command{
		Use:   "instrument",
		Short: "Instrument a serialized block graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			in, err := os.Open(input)
			if err != nil {
				return err
			}
			defer in.Close()
			g, err := blockgraph.ReadJSON(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", input, err)
			}

			cfg := asan.Config{
				DebugFriendly:         debugFriendly,
				UseLiveness:           useLiveness,
				RemoveRedundantChecks: removeRedundant,
				UseInterceptors:       useInterceptors,
				InstrumentationRate:   rate,
				HotPatching:           hotPatching,
				RTLDLLName:            dllName,
			}
			if paramsFile != "" {
				params, err := os.ReadFile(paramsFile)
				if err != nil {
					return err
				}
				cfg.Parameters = params
			}
			if err := asan.New(cfg).Apply(g); err != nil {
				return err
			}

			out, err := os.Create(output)
			if err != nil {
				return err
			}
			defer out.Close()
			if err := blockgraph.WriteJSON(out, g); err != nil {
				return err
			}
			fmt.Printf("Written to %s\n", output)
			return nil
		},
	}
	instrumentCmd.Flags().StringVar(&input, "input", "", "Input block graph (JSON)")
	instrumentCmd.Flags().StringVar(&output, "output", "", "Output block graph (JSON)")
	instrumentCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	instrumentCmd.Flags().BoolVar(&debugFriendly, "debug-friendly", false, "Propagate source ranges to inserted instructions")
	instrumentCmd.Flags().BoolVar(&useLiveness, "use-liveness-analysis", false, "Enable flag liveness and no-flags probes")
	instrumentCmd.Flags().BoolVar(&removeRedundant, "remove-redundant-checks", false, "Elide redundant access checks")
	instrumentCmd.Flags().BoolVar(&useInterceptors, "use-interceptors", false, "Include optional intercepts")
	instrumentCmd.Flags().Float64Var(&rate, "instrumentation-rate", 1.0, "Probability of instrumenting each access")
	instrumentCmd.Flags().BoolVar(&hotPatching, "hot-patching", false, "Prepare for runtime attachment instead of rewriting")
	instrumentCmd.Flags().StringVar(&dllName, "asan-dll-name", "", "Override the RTL DLL name")
	instrumentCmd.Flags().StringVar(&paramsFile, "asan-parameters-file", "", "RTL parameters blob to embed (PE only)")
	_ = instrumentCmd.MarkFlagRequired("input")
	_ = instrumentCmd.MarkFlagRequired("output")

	// probes command
	var probesFormat string
	var probesLiveness bool

	probesCmd := &cobra.Command{
		Use:   "probes",
		Short: "List the probe variants an image would import",
		RunE: func(cmd *cobra.Command, args []string) error {
			var format blockgraph.ImageFormat
			switch probesFormat {
			case "pe":
				format = blockgraph.FormatPE
			case "coff":
				format = blockgraph.FormatCOFF
			default:
				return fmt.Errorf("unknown format %q (want pe or coff)", probesFormat)
			}
			infos := asan.EnumerateProbes(probesLiveness)
			for _, info := range infos {
				fmt.Println(info.ProbeName(format))
			}
			fmt.Printf("\n%d probe variants\n", len(infos))
			return nil
		},
	}
	probesCmd.Flags().StringVar(&probesFormat, "format", "pe", "Image format: pe or coff")
	probesCmd.Flags().BoolVar(&probesLiveness, "liveness", false, "Include no-flags variants")

	// inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect [image]",
		Short: "Show the sections of a PE image and whether it is instrumented",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pefile, err := peparser.New(args[0], &peparser.Options{})
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			if err := pefile.Parse(); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			instrumented := false
			fmt.Printf("Sections of %s:\n", args[0])
			for _, sec := range pefile.Sections {
				name := string(bytes.TrimRight(sec.Header.Name[:], "\x00"))
				fmt.Printf("  %-8s  va=0x%08X  raw=%d\n",
					name, sec.Header.VirtualAddress, sec.Header.SizeOfRawData)
				if name == asan.ThunksSectionName {
					instrumented = true
				}
			}
			if instrumented {
				fmt.Println("\nImage is already instrumented")
			} else {
				fmt.Println("\nImage is not instrumented")
			}
			return nil
		},
	}

	rootCmd.AddCommand(instrumentCmd)
	rootCmd.AddCommand(probesCmd)
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
