package cli

import (
	"fmt"

	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/spf13/cobra"
)

var (
	flagProcessAppend bool
	flagProcessJobID  string
)

var processCmd = &cobra.Command{
	Use:   "process <catalog.pdf> <products.xlsx>",
	Short: "Process one catalog locally",
	Long: `Process runs the pipeline in this process and writes the workbook.

Without --append the workbook is created from scratch, replacing any file at
that path. With --append the workbook must exist; new products are added
after its last populated row and existing content is left untouched.

Examples:
  catalogscan process spring.pdf products.xlsx
  catalogscan process summer.pdf products.xlsx --append`,
	Args: cobra.ExactArgs(2),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().BoolVar(&flagProcessAppend, "append", false, "Append to an existing workbook")
	processCmd.Flags().StringVar(&flagProcessJobID, "job-id", "", "Job ID used in logs (default: random)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	proc, err := buildProcessor(cfg, logger, nil)
	if err != nil {
		return err
	}

	result, err := proc.ProcessDocument(cmd.Context(), &processor.ProcessRequest{
		JobID:        flagProcessJobID,
		DocumentPath: args[0],
		ArtifactPath: args[1],
		Append:       flagProcessAppend,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages, %d products, rows %d-%d of sheet %q\n",
		result.ArtifactPath, result.PagesProcessed, result.RowsAppended,
		result.FirstRow, result.LastRow, result.SheetName)
	return nil
}
