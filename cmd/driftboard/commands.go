package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Kodiack54/driftboard/internal/appclient"
	"github.com/Kodiack54/driftboard/internal/config"
)

var (
	flagSocket     string
	flagGroup      string
	flagProject    string
	flagState      string
	flagFamily     string
	flagActiveOnly bool
	// exitCode is raised to 1 when the attention feed is urgent.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:           "driftboard",
	Short:         "Inspect git drift across server/pc repo pairs",
	Long:          "driftboard talks to the local driftboardd daemon and reports sync status for repository pairs, family rollups, and the attention feed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket path override")

	for _, cmd := range []*cobra.Command{summaryCmd, familiesCmd} {
		cmd.Flags().StringVar(&flagGroup, "group", "", "filter by group name")
		cmd.Flags().StringVar(&flagProject, "project", "", "filter by project slug")
		cmd.Flags().StringVar(&flagState, "state", "", "filter by sync state (red|orange|yellow|gray|green)")
		cmd.Flags().StringVar(&flagFamily, "family", "", "filter by family key")
		cmd.Flags().BoolVar(&flagActiveOnly, "active", false, "only active repos")
	}

	rootCmd.AddCommand(summaryCmd, familiesCmd, attentionCmd, syncCmd, reposCmd, healthCmd)
}

func client() *appclient.Client {
	socket := flagSocket
	if socket == "" {
		socket = config.DefaultConfig().SocketPath
	}
	return appclient.New(socket)
}

func queryOptions() appclient.QueryOptions {
	return appclient.QueryOptions{
		Group:       flagGroup,
		ProjectSlug: flagProject,
		State:       flagState,
		Family:      flagFamily,
		ActiveOnly:  flagActiveOnly,
	}
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show sync status for every repo pair",
	RunE: func(cmd *cobra.Command, _ []string) error {
		envelope, err := client().Summary(cmd.Context(), queryOptions())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPO\tSTATE\tREASONS\tSERVER\tPC\tDRIFT SINCE")
		for _, item := range envelope.Items {
			server, pc := "-", "-"
			if item.Server != nil {
				server = sideCell(item.Server.HeadShort, item.Server.Dirty, item.Server.Ahead, item.Server.Behind)
			}
			if item.PC != nil {
				pc = sideCell(item.PC.HeadShort, item.PC.Dirty, item.PC.Ahead, item.PC.Behind)
			}
			since := "-"
			if item.DriftSince != nil {
				since = *item.DriftSince
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				item.RepoID, item.Sync.State, strings.Join(item.Sync.Reasons, ","), server, pc, since)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), countsLine(envelope.Counts))
		return nil
	},
}

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "Show family rollups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		envelope, err := client().Families(cmd.Context(), queryOptions())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FAMILY\tSTATE\tDESIRED\tIN SYNC\tOUT OF SYNC\tDIRTY\tOFFLINE")
		for _, fam := range envelope.Items {
			desired := fam.DesiredHead
			if len(desired) > 7 {
				desired = desired[:7]
			}
			if desired == "" {
				desired = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				fam.FamilyKey, fam.Sync.State, desired, fam.Sync.InSyncCount,
				listCell(fam.Sync.OutOfSyncInstances), listCell(fam.Sync.DirtyInstances),
				listCell(fam.Sync.OfflineInstances))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), countsLine(envelope.Counts))
		return nil
	},
}

var attentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "Show the triage feed, most urgent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		feed, err := client().Attention(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tTYPE\tENTITY\tAGE\tSUMMARY")
		for _, item := range feed.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				item.Level, item.Type, item.EntityID, ageCell(item.AgeSeconds), item.Summary)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, srcErr := range feed.SourceErrors {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s source unavailable: %s\n", srcErr.Source, srcErr.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "overall: %s\n", feed.Overall)
		if feed.Overall == "urgent" {
			exitCode = 1
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <family-key>",
	Short: "Fetch and reset out-of-sync family members to the quorum head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := client().SyncFamily(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "action %s: reset %s to %s\n",
			action.ActionID, action.FamilyKey, action.DesiredHead)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPO\tRESULT\tDURATION\tMESSAGE")
		failed := false
		for _, res := range action.Results {
			fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", res.RepoID, res.Result, res.DurationMS, res.Message)
			if res.Result != "success" {
				failed = true
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if len(action.Results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to sync")
		}
		if failed {
			exitCode = 1
		}
		return nil
	},
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List registered repositories",
	RunE: func(cmd *cobra.Command, _ []string) error {
		envelope, err := client().Repos(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPO\tGROUP\tFAMILY\tSOURCE\tACTIVE\tCONFIGURED")
		for _, repo := range envelope.Items {
			configured := repo.GitHubURL != "" && repo.ServerPath != "" && repo.PCPath != ""
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n",
				repo.RepoID, cell(repo.GroupName), cell(repo.FamilyKey), cell(repo.FamilySource),
				repo.IsActive, configured)
		}
		return w.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := client().Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status: %s (repos: %d, nodes: %d)\n",
			resp.Status, resp.RepoCount, resp.NodeCount)
		return nil
	},
}

func sideCell(headShort string, dirty bool, ahead, behind int) string {
	if headShort == "" {
		headShort = "?"
	}
	var marks []string
	if dirty {
		marks = append(marks, "dirty")
	}
	if ahead > 0 {
		marks = append(marks, fmt.Sprintf("+%d", ahead))
	}
	if behind > 0 {
		marks = append(marks, fmt.Sprintf("-%d", behind))
	}
	if len(marks) == 0 {
		return headShort
	}
	return headShort + " (" + strings.Join(marks, " ") + ")"
}

func listCell(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func cell(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func ageCell(seconds int64) string {
	switch {
	case seconds < 120:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 2*3600:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%dh", seconds/3600)
	}
}

func countsLine(counts map[string]int) string {
	parts := make([]string, 0, 5)
	for _, state := range []string{"red", "orange", "yellow", "gray", "green"} {
		if counts[state] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
		}
	}
	if len(parts) == 0 {
		return "no repos matched"
	}
	return strings.Join(parts, " ")
}
