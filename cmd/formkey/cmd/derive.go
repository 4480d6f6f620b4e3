package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/internal/util"
)

var (
	deriveSecret    string
	deriveTimestamp int64
	deriveAlgorithm string
	deriveFieldName string
)

// deriveCmd computes the key and field name a server would hand out for a
// challenge, for debugging integrations.
var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Compute the key and field name for a secret and timestamp",
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, err := challenge.ParseAlgorithm(deriveAlgorithm)
		if err != nil {
			return err
		}
		cfg := challenge.Config{
			Secret:    util.Normalize(deriveSecret),
			Algorithm: alg,
			FieldName: deriveFieldName,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ts := deriveTimestamp
		if ts == 0 {
			ts = time.Now().Unix()
		}
		iss := challenge.Derive(cfg, ts)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "algorithm:  %s\n", alg)
		fmt.Fprintf(out, "timestamp:  %d\n", iss.Timestamp())
		fmt.Fprintf(out, "field_name: %s\n", iss.FieldName())
		fmt.Fprintf(out, "key:        %s\n", iss.ValidKey())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deriveCmd)
	deriveCmd.Flags().StringVar(&deriveSecret, "secret", "", "Challenge secret (required)")
	deriveCmd.Flags().Int64Var(&deriveTimestamp, "timestamp", 0, "Challenge timestamp in unix seconds (default now)")
	deriveCmd.Flags().StringVar(&deriveAlgorithm, "algorithm", "sha256", "Digest algorithm: sha256 or legacy")
	deriveCmd.Flags().StringVar(&deriveFieldName, "field-name", "", "Fixed field name instead of the derived one")
	_ = deriveCmd.MarkFlagRequired("secret")
}
