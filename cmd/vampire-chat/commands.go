package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmsegret/vampire-chat/config"
	"github.com/jmsegret/vampire-chat/engine"
	"github.com/jmsegret/vampire-chat/server"
)

// newRootCmd builds the command tree. load supplies the configuration so
// tests can inject one without touching the environment.
func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "vampire-chat",
		Short:         "Chat with Lilly, a friendly vampire who remembers past conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			for _, w := range cfg.Warnings() {
				log.Printf("⚠️  %s", w)
			}
			a.cfg = cfg
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newRecentCmd(a),
		newHistoryCmd(a),
		newReindexCmd(a),
	)
	return root
}

func newServeCmd(a *app) *cobra.Command {
	var port, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if err := a.openEngine(cmd.Context()); err != nil {
				return err
			}
			if port == "" {
				port = a.cfg.Port
			}
			if grpcAddr == "" {
				grpcAddr = a.cfg.GRPCAddr
			}

			srv, err := server.New(server.Config{Engine: a.engine, GRPCAddr: grpcAddr})
			if err != nil {
				return err
			}

			printBanner(port, grpcAddr)
			return srv.RunContext(cmd.Context(), ":"+port)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (default $PORT or 8080)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default $GRPC_ADDR, disabled when empty)")
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Lilly in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.openEngine(ctx); err != nil {
				return err
			}

			sess := a.memory.NewSession()
			if conversationID != "" {
				loaded, err := a.memory.LoadConversation(ctx, conversationID)
				if err != nil {
					return err
				}
				sess = loaded
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "🦇 Lilly is listening. Type \"exit\" to end the conversation.")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "you> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := scanner.Text()
				if strings.TrimSpace(line) == "" {
					continue
				}

				result, err := a.engine.Run(ctx, &engine.Input{Session: sess, UserMessage: line})
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "lilly> %s\n", result.Text)
				if result.Type == engine.OutputEnded {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

func newRecentCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.openMemory(ctx); err != nil {
				return err
			}
			conversations, err := a.memory.RecentConversations(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(conversations) == 0 {
				fmt.Fprintln(out, "No conversations yet.")
				return nil
			}
			for _, c := range conversations {
				fmt.Fprintf(out, "%s  %s\n", c.LastUpdated.Local().Format("2006-01-02 15:04"), c.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of conversations")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.openMemory(ctx); err != nil {
				return err
			}
			sess, err := a.memory.LoadConversation(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := a.memory.History(ctx, sess, limit)
			if err != nil {
				return err
			}
			printPairs(cmd.OutOrStdout(), engine.ChatPairs(history))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the newest n messages")
	return cmd
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the embedding index from the conversation ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.openMemory(ctx); err != nil {
				return err
			}
			if err := a.memory.Rebuild(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d messages\n", a.memory.IndexedCount())
			return nil
		},
	}
}

func printPairs(out io.Writer, pairs [][2]string) {
	for _, p := range pairs {
		if p[0] != "" {
			fmt.Fprintf(out, "you>   %s\n", p[0])
		}
		if p[1] != "" {
			fmt.Fprintf(out, "lilly> %s\n", p[1])
		}
	}
}
