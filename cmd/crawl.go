package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
)

// newCrawlCmd runs one scheduling pass and waits for the jobs it started.
func newCrawlCmd() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one harvesting or checking pass and waits for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobClass, err := crawler.ParseJobClass(class)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			results, err := appInstance.RunOnce(cmd.Context(), jobClass)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}

			failed := 0
			for _, res := range results {
				line := fmt.Sprintf("%s\t%s\t%s", res.Source, res.Status(), res.Duration.Round(time.Millisecond))
				if res.Err != nil {
					failed++
					line += "\t" + res.Err.Error()
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing started")
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("class", string(jobClass)),
				zap.Int("jobs", len(results)),
				zap.Int("failed", failed),
			)
			if failed > 0 {
				return fmt.Errorf("crawl: %d of %d jobs failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", string(crawler.ClassHarvesting), "job class: crawler or checker")
	return cmd
}
