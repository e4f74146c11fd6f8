package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"wpp-relay/internal/app"
	"wpp-relay/internal/repository"
)

type storeOpener func(ctx context.Context, table string) (repository.Store, error)

func dynamoStore(ctx context.Context, table string) (repository.Store, error) {
	if table == "" {
		return nil, errors.New("state table is required (--table or STATE_TABLE)")
	}
	awsCfg, err := app.LoadAWS(ctx)
	if err != nil {
		return nil, err
	}
	kv, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), table)
	if err != nil {
		return nil, err
	}
	return kv, nil
}

func checkCmd(open storeOpener, table func() string) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the chat histories of every stored conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			kv, err := open(ctx, table())
			if err != nil {
				return err
			}
			reports, err := repository.CheckConversations(ctx, kv, clear)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			corrupted := 0
			for _, rep := range reports {
				if rep.Valid() {
					fmt.Fprintf(out, "OK       %s\n", rep.Phone)
					continue
				}
				corrupted++
				status := "CORRUPT "
				if rep.Cleared {
					status = "CLEARED "
				}
				fmt.Fprintf(out, "%s %s\n", status, rep.Phone)
				names := make([]string, 0, len(rep.Fields))
				for name := range rep.Fields {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					for _, issue := range rep.Fields[name].Issues {
						fmt.Fprintf(out, "  %s: %s\n", name, issue)
					}
				}
			}
			fmt.Fprintf(out, "%d conversations checked, %d corrupted\n", len(reports), corrupted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear-corrupted", false, "delete conversations whose history is corrupted")
	return cmd
}

func inspectCmd(open storeOpener, table func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <phone>",
		Short: "Print the decoded conversation record for a phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kv, err := open(ctx, table())
			if err != nil {
				return err
			}
			fields, err := kv.Get(ctx, repository.ConversationKey(args[0]))
			if err != nil {
				return err
			}
			if fields == nil {
				return fmt.Errorf("no conversation stored for %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(repository.DecodeFields(fields))
		},
	}
}

func resetCmd(open storeOpener, table func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <phone>",
		Short: "Delete a conversation so the sender starts over in the extraction step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kv, err := open(ctx, table())
			if err != nil {
				return err
			}
			conversations, err := repository.NewConversationStore(kv, 0, nil)
			if err != nil {
				return err
			}
			if err := conversations.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s reset\n", args[0])
			return nil
		},
	}
}
