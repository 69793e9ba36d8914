package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drewdunne/codeloop/internal/orchestrator"
)

var (
	repoRef   string
	issueNum  int
	iteration int
	prNum     int
	waitForCI bool
)

func init() {
	processCmd := &cobra.Command{
		Use:   "process-issue",
		Short: "Run the full loop for an issue",
		Args:  cobra.NoArgs,
		RunE:  runProcessIssue,
	}
	processCmd.Flags().StringVar(&repoRef, "repo", "", "repository (owner/name, provider:owner/name or URL)")
	processCmd.Flags().IntVar(&issueNum, "issue", 0, "issue number")
	processCmd.Flags().IntVar(&iteration, "iteration", 1, "iteration to start from")
	_ = processCmd.MarkFlagRequired("repo")
	_ = processCmd.MarkFlagRequired("issue")
	rootCmd.AddCommand(processCmd)

	codeCmd := &cobra.Command{
		Use:   "code-agent",
		Short: "Run a single code agent pass",
		Args:  cobra.NoArgs,
		RunE:  runCodeAgent,
	}
	codeCmd.Flags().StringVar(&repoRef, "repo", "", "repository")
	codeCmd.Flags().IntVar(&issueNum, "issue", 0, "issue number")
	codeCmd.Flags().IntVar(&iteration, "iteration", 1, "iteration number")
	codeCmd.Flags().IntVar(&prNum, "pr", 0, "existing pull request to update")
	_ = codeCmd.MarkFlagRequired("repo")
	_ = codeCmd.MarkFlagRequired("issue")
	rootCmd.AddCommand(codeCmd)

	reviewCmd := &cobra.Command{
		Use:   "reviewer",
		Short: "Review a pull request and publish the verdict",
		Args:  cobra.NoArgs,
		RunE:  runReviewer,
	}
	reviewCmd.Flags().StringVar(&repoRef, "repo", "", "repository")
	reviewCmd.Flags().IntVar(&prNum, "pr", 0, "pull request number")
	reviewCmd.Flags().BoolVar(&waitForCI, "wait-ci", true, "wait for CI before reviewing")
	_ = reviewCmd.MarkFlagRequired("repo")
	_ = reviewCmd.MarkFlagRequired("pr")
	rootCmd.AddCommand(reviewCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codeloop v%s\n", version)
		},
	})
}

func runProcessIssue(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.prepareDocker(cmd.Context()); err != nil {
		return err
	}

	res, err := a.service.ProcessIssue(cmd.Context(), repoRef, issueNum, iteration)
	if err != nil {
		return err
	}
	printJSON(res)
	if res.Outcome != orchestrator.Approved {
		return errNotApproved
	}
	return nil
}

func runCodeAgent(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.prepareDocker(cmd.Context()); err != nil {
		return err
	}

	res, err := a.service.RunCodeAgent(cmd.Context(), repoRef, issueNum, iteration, prNum)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func runReviewer(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.service.RunReviewer(cmd.Context(), repoRef, prNum, waitForCI)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
