package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/internal/logging"
	"gihan9a/braidhttp/pkg/braidclient"
	"gihan9a/braidhttp/pkg/braidproto"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	version    []string
	parents    []string
	peer       string
	mergeType  string
	heartbeats time.Duration
	headers    bool
}

func (o *options) client() (*braidclient.Client, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	clientCfg := cfg.ClientConfig()

	var opts []braidclient.Opt
	if o.peer != "" {
		opts = append(opts, braidclient.WithPeer(o.peer))
	}
	if clientCfg.EnableLogging || o.logLevel != "" {
		level := o.logLevel
		if level == "" {
			level = cfg.Log.Level
		}
		logger, err := logging.New(level, logging.FormatConsole)
		if err != nil {
			return nil, err
		}
		clientCfg.EnableLogging = true
		opts = append(opts, braidclient.WithLogger(logger))
	}
	return braidclient.New(clientCfg, opts...), nil
}

func (o *options) request() braidclient.Request {
	return braidclient.Request{
		Version:    braidproto.Versions(o.version...),
		Parents:    braidproto.Versions(o.parents...),
		MergeType:  o.mergeType,
		Heartbeats: o.heartbeats,
	}
}

func rootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "braid",
		Short:        "Read, write and subscribe to Braid-HTTP resources",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "configuration file with a client section")
	flags.StringVar(&o.logLevel, "log-level", "", "log requests and retries at this level")
	flags.StringSliceVar(&o.version, "version", nil, "Version header (comma separated)")
	flags.StringSliceVar(&o.parents, "parents", nil, "Parents header (comma separated)")
	flags.StringVar(&o.peer, "peer", "", "peer id (random by default)")
	flags.StringVar(&o.mergeType, "merge-type", "", "Merge-Type header")
	flags.BoolVarP(&o.headers, "include", "i", false, "print the Braid headers of each update")

	root.AddCommand(getCommand(o), putCommand(o), subscribeCommand(o))
	return root
}

func getCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get URL",
		Short: "Fetch the current state of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			r := o.request()
			r.Method = http.MethodGet
			resp, err := client.Fetch(c.Context(), args[0], r)
			if err != nil {
				return err
			}
			u, err := resp.Update()
			if err != nil {
				return err
			}
			return printUpdate(c.OutOrStdout(), u, o.headers)
		},
	}
}

func putCommand(o *options) *cobra.Command {
	var (
		data   string
		file   string
		unit   string
		rng    string
		method string
	)
	cmd := &cobra.Command{
		Use:   "put URL",
		Short: "Replace a resource, or patch one range of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			body, err := readBody(c.InOrStdin(), data, file)
			if err != nil {
				return err
			}
			client, err := o.client()
			if err != nil {
				return err
			}

			r := o.request()
			r.Method = method
			if rng != "" {
				r.Patches = []braidproto.Patch{{Unit: unit, Range: rng, Content: body}}
			} else {
				r.Body = body
			}
			resp, err := client.Fetch(c.Context(), args[0], r)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "%d %s\n", resp.Status, braidproto.StatusText(resp.Status))
			fmt.Fprintf(out, "Version: %s\n", resp.Headers["version"])
			if parents := resp.Headers["parents"]; parents != "" {
				fmt.Fprintf(out, "Parents: %s\n", parents)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "request body")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the request body from a file (- for stdin)")
	cmd.Flags().StringVar(&unit, "unit", braidproto.UnitJSON, "range unit of --range")
	cmd.Flags().StringVar(&rng, "range", "", "patch this range instead of replacing the resource")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPut, "request method")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func readBody(stdin io.Reader, data, file string) ([]byte, error) {
	switch file {
	case "":
		return []byte(data), nil
	case "-":
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

func subscribeCommand(o *options) *cobra.Command {
	var replica bool
	cmd := &cobra.Command{
		Use:   "subscribe URL",
		Short: "Stream the updates of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			sub, err := client.Subscribe(c.Context(), args[0], o.request())
			if err != nil {
				return err
			}
			defer sub.Close()

			var doc *document
			if replica {
				doc = &document{}
			}
			out := c.OutOrStdout()
			for {
				u, err := sub.Next(c.Context())
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
					return nil
				case err != nil:
					return err
				}

				if doc == nil {
					if err := printUpdate(out, u, o.headers); err != nil {
						return err
					}
					continue
				}
				if err := doc.apply(u); err != nil {
					return err
				}
				if o.headers {
					fmt.Fprintf(out, "Version: %s\n", braidproto.FormatVersionHeader(u.Version))
				}
				fmt.Fprintln(out, doc.String())
			}
		},
	}
	cmd.Flags().DurationVar(&o.heartbeats, "heartbeats", 0, "ask the server for heartbeats at this interval")
	cmd.Flags().BoolVar(&replica, "replica", false, "apply updates to a local copy and print it after each one")
	return cmd
}

func printUpdate(w io.Writer, u braidproto.Update, headers bool) error {
	if headers {
		_, err := w.Write(braidproto.EncodeFrame(u))
		return err
	}
	if u.Body != nil {
		_, err := fmt.Fprintln(w, string(u.Body))
		return err
	}
	for _, p := range u.Patches {
		if _, err := fmt.Fprintf(w, "%s %s: %s\n", p.Unit, p.Range, p.Content); err != nil {
			return err
		}
	}
	return nil
}

// document is a local copy of a resource kept up to date from its updates.
type document struct {
	content []byte
}

func (d *document) apply(u braidproto.Update) error {
	if u.Body != nil {
		d.content = u.Body
		return nil
	}
	for _, p := range u.Patches {
		switch p.Unit {
		case braidproto.UnitJSON:
			next, err := braidproto.ApplyJSONPatch(d.content, p)
			if err != nil {
				return fmt.Errorf("applying patch to %s: %w", p.Range, err)
			}
			d.content = next
		case braidproto.UnitText:
			start, end, err := braidproto.ParseIndexRange(p.Range)
			if err != nil {
				return err
			}
			runes := []rune(string(d.content))
			if end > len(runes) {
				return fmt.Errorf("%w: %s beyond length %d", braidproto.ErrInvalidRange, p.Range, len(runes))
			}
			d.content = []byte(string(runes[:start]) + string(p.Content) + string(runes[end:]))
		default:
			return fmt.Errorf("%w %q", braidproto.ErrUnsupportedUnit, p.Unit)
		}
	}
	return nil
}

func (d *document) String() string {
	var b bytes.Buffer
	if err := json.Indent(&b, d.content, "", "  "); err == nil {
		return b.String()
	}
	return string(d.content)
}
