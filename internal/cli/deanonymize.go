package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/upstream"
)

var (
	deanonymizeMapping string
	deanonymizeJSON    bool
)

var deanonymizeCmd = &cobra.Command{
	Use:   "deanonymize [file]",
	Short: "Restore the original values of placeholders",
	Long: `Reads anonymized text from file (or stdin) and writes the restored text to
stdout. The mapping comes from --mapping, which accepts the file written by
anonymize --mapping-out as well as the output of anonymize --json.

With --json the input itself is an {anonymized_text, mapping} document.

Text is restored as it is read, so output may be partial when an unknown
placeholder is found; the command then fails with unresolved_placeholder.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeanonymize,
}

func init() {
	deanonymizeCmd.Flags().StringVarP(&deanonymizeMapping, "mapping", "m", "", "mapping file")
	deanonymizeCmd.Flags().BoolVar(&deanonymizeJSON, "json", false, "read an {anonymized_text, mapping} document")
	rootCmd.AddCommand(deanonymizeCmd)
}

func runDeanonymize(cmd *cobra.Command, args []string) error {
	if deanonymizeMapping == "" && !deanonymizeJSON {
		return errors.New("--mapping is required unless the input is a --json document")
	}
	c, err := loadedConfig()
	if err != nil {
		return err
	}
	svc, err := buildService(c)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if deanonymizeJSON {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		var req anon.DeanonymizeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decoding input: %w", err)
		}
		if deanonymizeMapping != "" {
			if req.Mapping, err = readMapping(deanonymizeMapping); err != nil {
				return err
			}
		}
		text, err := svc.Deanonymize(cmd.Context(), req.AnonymizedText, req.Mapping)
		if err != nil {
			return fmt.Errorf("deanonymize failed: %w", err)
		}
		_, err = io.WriteString(out, text)
		return err
	}

	m, err := readMapping(deanonymizeMapping)
	if err != nil {
		return err
	}
	in, err := openInput(cmd, args)
	if err != nil {
		return err
	}
	defer in.Close()

	if client, ok := svc.(*upstream.Client); ok {
		if err := client.DeanonymizeStream(cmd.Context(), out, in, m); err != nil {
			return fmt.Errorf("deanonymize failed: %w", err)
		}
		return nil
	}

	rr, err := anon.NewRestoringReader(in, m)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rr); err != nil {
		return fmt.Errorf("deanonymize failed: %w", err)
	}
	return nil
}

// readMapping loads a mapping file. Besides a bare mapping it accepts a
// document with a "mapping" field, such as the output of anonymize --json.
func readMapping(path string) (anon.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping: %w", err)
	}

	raw := data
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			if inner, ok := doc["mapping"]; ok {
				raw = inner
			}
		}
	}

	var m anon.Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
