package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	Link string `yaml:"link"`
	Name string `yaml:"name,omitempty"`
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Relay every entry of a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading batch file: %w", err)
			}
			sources, err := parseBatch(data)
			if err != nil {
				return err
			}
			return runUnits(cmd, sources)
		},
	}
}

// parseBatch turns a YAML list of {link, name} entries into sources,
// skipping entries without a link.
func parseBatch(data []byte) ([]utils.Source, error) {
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	var sources []utils.Source
	for i, entry := range entries {
		link := strings.TrimSpace(entry.Link)
		if link == "" {
			log.Warn().Str("op", "cmd/batch").Int("entry", i).Msg("empty link, skipping")
			continue
		}
		src := utils.NewSource(link)
		src.SuggestedName = strings.TrimSpace(entry.Name)
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no valid entries found in the batch file")
	}
	return sources, nil
}
