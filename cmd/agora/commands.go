package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avandra/agora/internal/bus"
	"github.com/avandra/agora/internal/cleanup"
	"github.com/avandra/agora/pkg/mcp"
	"github.com/avandra/agora/pkg/schema"
)

func cmdContext() context.Context {
	return context.Background()
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput returns the contents of path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func newSendCmd() *cobra.Command {
	var sender, target, msgType, content string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to an agent or broadcast with *",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.bus.Send(cmd.Context(), sender, target, schema.MessageType(msgType), json.RawMessage(content))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"message_id": msg.ID,
				"timestamp":  msg.Timestamp.Format(time.RFC3339),
				"status":     string(msg.Status),
			})
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "sending agent id")
	cmd.Flags().StringVar(&target, "target", "", "receiving agent id or *")
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&content, "content", "", "message content as JSON")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newReadCmd() *cobra.Command {
	var agentID, sender, msgType, status, since, until string
	var limit int

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read messages addressed to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			filter := bus.ReadFilter{
				Sender: sender,
				Type:   schema.MessageType(msgType),
				Status: schema.MessageStatus(status),
				Limit:  limit,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "invalid since timestamp: %v", err)
				}
				filter.Since = &t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "invalid until timestamp: %v", err)
				}
				filter.Until = &t
			}

			messages, err := a.bus.Read(cmd.Context(), agentID, filter)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"messages": messages, "count": len(messages)})
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "reading agent id")
	cmd.Flags().StringVar(&sender, "sender", "", "filter by sending agent id")
	cmd.Flags().StringVar(&msgType, "type", "", "filter by message type")
	cmd.Flags().StringVar(&status, "status", "pending", "filter by status")
	cmd.Flags().StringVar(&since, "since", "", "only messages after this RFC3339 timestamp")
	cmd.Flags().StringVar(&until, "until", "", "only messages before this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to return")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a message envelope from a file (or - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := readInput(args[0])
			if err != nil {
				return err
			}

			var msg schema.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid message JSON: %v", err)
			}

			result := a.validator.Validate(&msg)
			if !result.Valid() {
				_ = printJSON(map[string]any{"valid": false, "violations": result.Issues})
				return result.Err()
			}
			return printJSON(map[string]any{"valid": true})
		},
	}
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var days int
	var archive bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive or purge terminal messages past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if days == 0 {
				days = cfg.RetentionDays
			}
			report, err := a.cleanup.Cleanup(cmd.Context(), days, archive)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention window in days")
	cmd.Flags().BoolVar(&archive, "archive", true, "archive messages before deleting")
	return cmd
}

func newRunCmd() *cobra.Command {
	var agentID, file string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow definition and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := readInput(file)
			if err != nil {
				return err
			}

			// Persist the request as a message so the run is correlated.
			msg, err := a.bus.Send(cmd.Context(), agentID, "workflow-engine", schema.TypeWorkflowRequest, data)
			if err != nil {
				return err
			}

			var content schema.WorkflowRequestContent
			if err := msg.DecodeContent(&content); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow: %v", err)
			}

			run, err := a.executor.Execute(cmd.Context(), msg.ID, agentID, &content)
			if err != nil {
				_ = a.bus.MarkFailed(cmd.Context(), msg.ID)
				return err
			}
			_ = a.bus.MarkProcessed(cmd.Context(), msg.ID)

			view, err := a.executor.Status(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"run": view.Run, "steps": view.Steps})
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "requesting agent id")
	cmd.Flags().StringVar(&file, "file", "-", "workflow definition file (- for stdin)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a workflow run and its steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.executor.Status(cmd.Context(), runID)
			if err != nil {
				return err
			}

			events, err := a.events.Events(cmd.Context(), runID, 0)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"run": view.Run, "steps": view.Steps, "events": events})
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "workflow run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server with the background retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sweeper, err := cleanup.NewSweeper(a.cleanup, a.store, cleanup.SweeperConfig{
				Schedule:        cfg.CleanupSchedule,
				RetentionDays:   cfg.RetentionDays,
				Archive:         cfg.ArchiveOnClean,
				AgentStaleAfter: time.Duration(cfg.AgentStaleMins) * time.Minute,
			}, a.logger)
			if err != nil {
				return err
			}
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = sweeper.Stop() }()

			srv := mcp.NewAgoraServer(mcp.AgoraServerDeps{
				Bus:      a.bus,
				Executor: a.executor,
				Cleanup:  a.cleanup,
				Store:    a.store,
				Logger:   a.logger,
			})

			a.logger.Info("agora MCP server listening on stdio", "db", cfg.DBPath)
			err = srv.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

