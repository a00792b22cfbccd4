// Command wf is the operator CLI for the workflow engine. Subcommands map
// one to one onto client operations; exit codes follow the error taxonomy
// so scripts can branch on outcomes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"goa.design/cascade"
	"goa.design/cascade/engine/service"
	"goa.design/cascade/rpc"
)

// Exit codes by error taxonomy.
const (
	exitOK             = 0
	exitNotFound       = 1
	exitPrecondition   = 2
	exitWorkflowFailed = 3
	exitTransient      = 4
	exitInvalid        = 5
)

var (
	addressFlag string
	timeoutFlag time.Duration
	runIDFlag   string
)

func main() {
	root := &cobra.Command{
		Use:           "wf",
		Short:         "Operate workflows on a cascade daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addressFlag, "address", "localhost:7833", "daemon address")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", time.Minute, "call timeout")
	root.PersistentFlags().StringVar(&runIDFlag, "run-id", "", "target a specific run instead of the open one")

	root.AddCommand(
		startCmd(),
		signalCmd(),
		queryCmd(),
		updateCmd(),
		describeCmd(),
		historyCmd(),
		listCmd(),
		cancelCmd(),
		terminateCmd(),
		resultCmd(),
		resetCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wf:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch cascade.CodeOf(err) {
	case cascade.CodeNotFound:
		return exitNotFound
	case cascade.CodePrecondition:
		return exitPrecondition
	case cascade.CodeWorkflowFailed:
		return exitWorkflowFailed
	case cascade.CodeClient:
		return exitInvalid
	default:
		return exitTransient
	}
}

// withClient dials the daemon and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	client, err := rpc.Dial(addressFlag)
	if err != nil {
		return cascade.WrapError(cascade.CodeTransient, err, "dial %s", addressFlag)
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, client)
}

// payloadArg parses an --input style value: a literal JSON document, or
// @path to read the document from a file.
func payloadArg(v string) (cascade.Payload, error) {
	if v == "" {
		return cascade.Payload{}, nil
	}
	data := []byte(v)
	if strings.HasPrefix(v, "@") {
		var err error
		data, err = os.ReadFile(v[1:])
		if err != nil {
			return cascade.Payload{}, cascade.WrapError(cascade.CodeClient, err, "read input file")
		}
	}
	if !json.Valid(data) {
		return cascade.Payload{}, cascade.NewError(cascade.CodeClient, "input is not valid JSON")
	}
	return cascade.Payload{Encoding: "json/plain", Data: data}, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printPayload prints a payload's data as-is when present.
func printPayload(p cascade.Payload) {
	if len(p.Data) > 0 {
		fmt.Println(string(p.Data))
	}
}

func startCmd() *cobra.Command {
	var (
		workflowType string
		taskQueue    string
		input        string
		reusePolicy  string
		requestID    string
		wait         bool
	)
	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			in, err := payloadArg(input)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				started, err := c.StartWorkflow(ctx, &service.StartWorkflowRequest{
					WorkflowID:    args[0],
					WorkflowType:  workflowType,
					TaskQueue:     taskQueue,
					Input:         in,
					IDReusePolicy: reusePolicy,
					RequestID:     requestID,
				})
				if err != nil {
					return err
				}
				fmt.Println(started.RunID)
				if !wait {
					return nil
				}
				res, err := c.WaitWorkflowResult(ctx, &service.WaitWorkflowResultRequest{
					WorkflowID: args[0],
					RunID:      started.RunID,
				})
				if err != nil {
					return err
				}
				printPayload(res.Result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", "", "workflow type name")
	cmd.Flags().StringVar(&taskQueue, "task-queue", "", "task queue name")
	cmd.Flags().StringVar(&input, "input", "", "JSON input, or @file")
	cmd.Flags().StringVar(&reusePolicy, "id-reuse-policy", "", "AllowDuplicate, AllowDuplicateFailedOnly, RejectDuplicate or TerminateIfRunning")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key for the start request")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the workflow result")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("task-queue")
	return cmd
}

func signalCmd() *cobra.Command {
	var (
		input     string
		requestID string
	)
	cmd := &cobra.Command{
		Use:   "signal <workflow-id> <signal-name>",
		Short: "Send a signal to an open workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			in, err := payloadArg(input)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				return c.SignalWorkflow(ctx, &service.SignalWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
					Name:       args[1],
					Input:      in,
					RequestID:  requestID,
				})
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input, or @file")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key for the signal")
	return cmd
}

func queryCmd() *cobra.Command {
	var args_ string
	cmd := &cobra.Command{
		Use:   "query <workflow-id> <query-name>",
		Short: "Query workflow state",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			qa, err := payloadArg(args_)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.QueryWorkflow(ctx, &service.QueryWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
					Name:       args[1],
					Args:       qa,
				})
				if err != nil {
					return err
				}
				printPayload(resp.Result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&args_, "args", "", "JSON query arguments, or @file")
	return cmd
}

func updateCmd() *cobra.Command {
	var (
		input     string
		updateID  string
		waitStage string
	)
	cmd := &cobra.Command{
		Use:   "update <workflow-id> <update-name>",
		Short: "Run a workflow update",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			in, err := payloadArg(input)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.UpdateWorkflow(ctx, &service.UpdateWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
					UpdateID:   updateID,
					Name:       args[1],
					Input:      in,
					WaitStage:  waitStage,
				})
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input, or @file")
	cmd.Flags().StringVar(&updateID, "update-id", "", "idempotency key for the update")
	cmd.Flags().StringVar(&waitStage, "wait-stage", "completed", "accepted or completed")
	return cmd
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <workflow-id>",
		Short: "Show a run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.DescribeWorkflow(ctx, &service.DescribeWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
				})
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		from     int64
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Print run history events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				next := from
				for {
					resp, err := c.GetHistory(ctx, &service.GetHistoryRequest{
						WorkflowID: args[0],
						RunID:      runIDFlag,
						From:       next,
						PageSize:   pageSize,
					})
					if err != nil {
						return err
					}
					for _, e := range resp.Events {
						line, err := json.Marshal(e)
						if err != nil {
							return err
						}
						fmt.Println(string(line))
					}
					if resp.NextFrom == 0 {
						return nil
					}
					next = resp.NextFrom
				}
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first event id to print")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "events per page")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		prefix       string
		workflowType string
		status       string
		onlyOpen     bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ListWorkflows(ctx, &service.ListWorkflowsRequest{
					WorkflowIDPrefix: prefix,
					WorkflowType:     workflowType,
					Status:           status,
					OnlyOpen:         onlyOpen,
					Limit:            limit,
				})
				if err != nil {
					return err
				}
				return printJSON(resp.Records)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "workflow id prefix filter")
	cmd.Flags().StringVar(&workflowType, "type", "", "workflow type filter")
	cmd.Flags().StringVar(&status, "status", "", "exact status filter")
	cmd.Flags().BoolVar(&onlyOpen, "open", false, "only open runs")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Request cooperative cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				return c.CancelWorkflow(ctx, &service.CancelWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
					Reason:     reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func terminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <workflow-id>",
		Short: "Terminate a run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				return c.TerminateWorkflow(ctx, &service.TerminateWorkflowRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
					Reason:     reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <workflow-id>",
		Short: "Wait for and print the workflow result",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.WaitWorkflowResult(ctx, &service.WaitWorkflowResultRequest{
					WorkflowID: args[0],
					RunID:      runIDFlag,
				})
				if err != nil {
					return err
				}
				printPayload(resp.Result)
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <workflow-id> <event-id>",
		Short: "Reset a run to a history event",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var eventID int64
			if _, err := fmt.Sscanf(args[1], "%d", &eventID); err != nil {
				return cascade.NewError(cascade.CodeClient, "event id must be an integer, got %q", args[1])
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.ResetWorkflow(ctx, &service.ResetWorkflowRequest{
					WorkflowID:   args[0],
					RunID:        runIDFlag,
					ResetEventID: eventID,
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				fmt.Println(resp.RunID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reset reason")
	return cmd
}
