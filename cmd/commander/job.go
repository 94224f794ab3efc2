package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/dvm"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/spf13/cobra"
)

var (
	jobKind       int
	jobInputs     []string
	jobParams     []string
	jobOutput     string
	jobBid        int64
	jobTo         string
	jobDesc       string
	jobRelayHints []string
	jobWait       bool
	jobFrom       string

	respondKey      string
	respondContent  string
	respondStatus   string
	respondInfo     string
	respondAmount   int64
	respondFeedback bool

	listLimit int64
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit data vending machine jobs and collect their results",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish a job request signed with a fresh key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, err := parseInputs(jobInputs)
		if err != nil {
			return err
		}
		params, err := parseParams(jobParams)
		if err != nil {
			return err
		}

		return withRuntime(cmd.Context(), func(rt *runtime) error {
			svc := rt.jobs()
			sub, err := svc.Submit(cmd.Context(), model.JobRequestParams{
				Kind:        jobKind,
				Inputs:      inputs,
				Params:      params,
				OutputMIME:  jobOutput,
				Bid:         jobBid,
				Recipient:   jobTo,
				Description: jobDesc,
				RelayHints:  jobRelayHints,
			})
			if sub != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "request: %s\n", sub.Request.ID)
				if sub.Report.Partial() {
					fmt.Fprintf(out, "warning: %s\n", sub.Report.Warning())
				}
				if note := rt.awaitLaterNote(jobWait); note != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), note)
				}
			}
			if err != nil || !jobWait {
				return err
			}

			res, err := svc.Await(cmd.Context(), sub.Request.ID, jobFrom, rt.cfg.PollPolicy())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		})
	},
}

var jobAwaitCmd = &cobra.Command{
	Use:   "await <request-id>",
	Short: "Wait for the result of a submitted request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			res, err := rt.jobs().Await(cmd.Context(), args[0], jobFrom, rt.cfg.PollPolicy())
			if errs.Is(err, errs.Timeout) {
				fmt.Fprintf(cmd.ErrOrStderr(), "no result yet; run `commander job await %s` again later\n", args[0])
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		})
	},
}

var jobForgetCmd = &cobra.Command{
	Use:   "forget <request-id>",
	Short: "Discard the key of a request you no longer wait for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			return rt.jobs().Forget(cmd.Context(), args[0])
		})
	},
}

var jobRespondCmd = &cobra.Command{
	Use:   "respond <request-id>",
	Short: "Answer a job request as a service provider",
	Long: `Fetch a job request, show its decoded input and publish a result (or, with
--feedback, a status update). Encrypted requests are answered encrypted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk := respondKey
		if sk == "" {
			sk = cfg.SecretKey
		}
		if sk == "" {
			return errors.New("respond needs --key or a configured secret_key")
		}

		return withRuntime(cmd.Context(), func(rt *runtime) error {
			events, err := rt.gateway.Fetch(cmd.Context(), []model.Filter{{IDs: []string{args[0]}}}, rt.cfg.FetchTimeout)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("request %s not found on any relay", args[0])
			}
			req := events[0]
			if err := keys.Verify(req); err != nil {
				return err
			}

			decoded, err := dvm.DecodeRequest(rt.cipher, req, sk)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kind %d from %s\n", decoded.Kind, req.PubKey)
			for _, in := range decoded.Inputs {
				fmt.Fprintf(out, "  input %s: %s\n", in.Type, in.Data)
			}
			for _, p := range decoded.Params {
				fmt.Fprintf(out, "  param %s=%s\n", p.Name, p.Value)
			}

			b := dvm.NewBuilder(rt.cipher)
			rp := dvm.ResultParams{
				Request:    req,
				Status:     model.JobStatus(respondStatus),
				StatusInfo: respondInfo,
				Content:    respondContent,
				Amount:     respondAmount,
			}
			var msg *model.SignedMessage
			if respondFeedback {
				msg, err = b.BuildFeedback(sk, rp)
			} else {
				msg, err = b.BuildResult(sk, rp)
			}
			if err != nil {
				return err
			}

			report, err := rt.gateway.Publish(cmd.Context(), msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "published %s (kind %d) to %d relays\n", msg.ID, msg.Kind, len(report.Accepted))
			return nil
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent requests from the job history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			if rt.history == nil {
				return errors.New("job history needs mongo.uri to be configured")
			}
			recs, err := rt.history.ListRecent(cmd.Context(), listLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range recs {
				fmt.Fprintf(out, "%s  %d  %-10s %-16s %s\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.Kind, r.State, r.Status, r.RequestID)
			}
			return nil
		})
	},
}

func printResult(w io.Writer, res *model.JobResult) {
	fmt.Fprintf(w, "status: %s\n", res.Status)
	if res.StatusInfo != "" {
		fmt.Fprintf(w, "info: %s\n", res.StatusInfo)
	}
	if res.Amount > 0 {
		fmt.Fprintf(w, "amount: %d msat\n", res.Amount)
		if res.Bolt11 != "" {
			fmt.Fprintf(w, "invoice: %s\n", res.Bolt11)
		}
	}
	fmt.Fprintf(w, "from: %s\n\n%s\n", res.Author, res.Content)
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobAwaitCmd, jobForgetCmd, jobRespondCmd, jobListCmd)

	jobSubmitCmd.Flags().IntVarP(&jobKind, "kind", "k", 5100, "Job request kind (5000-5999)")
	jobSubmitCmd.Flags().StringArrayVarP(&jobInputs, "input", "i", nil, "Input as type:data (text, url, event, job); repeatable")
	jobSubmitCmd.Flags().StringArrayVarP(&jobParams, "param", "p", nil, "Parameter as name=value; repeatable")
	jobSubmitCmd.Flags().StringVarP(&jobOutput, "output", "o", "", "Expected output MIME type")
	jobSubmitCmd.Flags().Int64Var(&jobBid, "bid", 0, "Maximum price in millisats")
	jobSubmitCmd.Flags().StringVar(&jobTo, "to", "", "Service provider public key; encrypts the request")
	jobSubmitCmd.Flags().StringVar(&jobDesc, "desc", "", "Human readable description (unencrypted requests only)")
	jobSubmitCmd.Flags().StringSliceVar(&jobRelayHints, "reply-relay", nil, "Relays the provider should publish to")
	jobSubmitCmd.Flags().BoolVarP(&jobWait, "wait", "w", false, "Wait for the result")
	jobSubmitCmd.MarkFlagRequired("input")

	for _, c := range []*cobra.Command{jobSubmitCmd, jobAwaitCmd} {
		c.Flags().StringVar(&jobFrom, "from", "", "Only accept results from this public key")
	}

	jobRespondCmd.Flags().StringVar(&respondKey, "key", "", "Provider secret key (defaults to secret_key)")
	jobRespondCmd.Flags().StringVar(&respondContent, "content", "", "Result content")
	jobRespondCmd.Flags().StringVar(&respondStatus, "status", "", "Status (success, error, payment-required, processing)")
	jobRespondCmd.Flags().StringVar(&respondInfo, "info", "", "Extra status information")
	jobRespondCmd.Flags().Int64Var(&respondAmount, "amount", 0, "Amount requested in millisats")
	jobRespondCmd.Flags().BoolVar(&respondFeedback, "feedback", false, "Publish a status update instead of a result")

	jobListCmd.Flags().Int64VarP(&listLimit, "limit", "n", 20, "Number of requests to show")
}
