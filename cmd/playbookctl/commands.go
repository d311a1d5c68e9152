package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/complyops/playbook-runner/internal/models"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/complyops/playbook-runner/internal/services"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "playbookctl",
		Short:         "Validate playbook templates and verify incident reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCommand(), newDigestCommand(), newVerifyCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <template>...",
		Short: "Check template files against the schema and step rules",
		Long: `Check template files against the schema and step rules.

Every file is checked; the command fails if any of them is invalid.

Example:
  playbookctl validate templates/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			library, err := services.NewTemplateLibrary(zap.NewNop().Sugar())
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				tpl, err := library.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s v%s, %d steps)\n", path, tpl.ID, tpl.Version, tpl.TotalSteps())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d templates invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newDigestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <report.json>",
		Short: "Print the canonical digest of an incident report",
		Long: `Print the canonical digest of an incident report.

The report is re-encoded canonically before hashing, so a pretty-printed
copy yields the same digest as the bytes the server stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := reportDigest(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}
}

func newVerifyCommand() *cobra.Command {
	var proofPath string
	cmd := &cobra.Command{
		Use:   "verify <report.json> --proof <proof.json>",
		Short: "Check that a report is anchored by a ledger proof",
		Long: `Check that a report is anchored by a ledger proof.

Fetch the proof from GET /api/v1/integrity/incidents/{id}/proof.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := reportDigest(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(proofPath)
			if err != nil {
				return fmt.Errorf("read proof: %w", err)
			}
			var proof models.MerkleProof
			if err := json.Unmarshal(data, &proof); err != nil {
				return fmt.Errorf("decode proof: %w", err)
			}

			if proof.LeafHash != digest {
				return fmt.Errorf("report digest %s does not match proof leaf %s", digest, proof.LeafHash)
			}
			if !services.VerifyProof(&proof) {
				return fmt.Errorf("proof does not lead to root %s", proof.Root)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified: leaf %d under root %s\n", proof.Index, proof.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&proofPath, "proof", "", "path to the ledger proof JSON")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}

func reportDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	var report playbook.IncidentReport
	if err := json.Unmarshal(data, &report); err != nil {
		return "", fmt.Errorf("decode report: %w", err)
	}
	return playbook.ReportDigest(&report)
}
