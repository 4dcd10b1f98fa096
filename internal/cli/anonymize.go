package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
)

var (
	anonymizeMappingOut string
	anonymizeJSON       bool
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize [file]",
	Short: "Replace sensitive values with placeholders",
	Long: `Reads text from file (or stdin) and writes the anonymized text to stdout.

The mapping holds the original values and is needed to restore them. Write it
to a file with --mapping-out, or print text and mapping together with --json.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnonymize,
}

func init() {
	anonymizeCmd.Flags().StringVarP(&anonymizeMappingOut, "mapping-out", "m", "", "write the mapping to this file")
	anonymizeCmd.Flags().BoolVar(&anonymizeJSON, "json", false, "print {anonymized_text, mapping} as JSON")
	rootCmd.AddCommand(anonymizeCmd)
}

func runAnonymize(cmd *cobra.Command, args []string) error {
	if anonymizeMappingOut == "" && !anonymizeJSON {
		return errors.New("the mapping would be lost: use --mapping-out or --json")
	}
	c, err := loadedConfig()
	if err != nil {
		return err
	}

	text, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	svc, err := buildService(c)
	if err != nil {
		return err
	}
	doc, err := svc.Anonymize(cmd.Context(), string(text))
	if err != nil {
		return fmt.Errorf("anonymize failed: %w", err)
	}

	if anonymizeMappingOut != "" {
		if err := writeMapping(anonymizeMappingOut, doc.Mapping); err != nil {
			return err
		}
	}
	if anonymizeJSON {
		return outputJSON(cmd, doc)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), doc.AnonymizedText)
	return err
}

// readInput reads the named file, or stdin when no file is given or it is "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return data, nil
}

// openInput is readInput for callers that stream.
func openInput(cmd *cobra.Command, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return f, nil
}

// writeMapping stores m as a JSON array. The file holds the original values,
// so it is only readable by the owner.
func writeMapping(path string, m anon.Mapping) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mapping: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing mapping: %w", err)
	}
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
