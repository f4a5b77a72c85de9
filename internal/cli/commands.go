package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"autodep/internal/watch"
)

// Version is reported by "autodep version". Release builds set it with
// -ldflags "-X autodep/internal/cli.Version=...".
var Version = "dev"

// NewRootCommand builds the command tree. Command output goes to stdout and
// logs to stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var inv Invocation

	root := &cobra.Command{
		Use:   "autodep [targets...]",
		Short: "Build targets, discovering their dependencies while commands run",
		Long: `autodep runs the commands of the rules in the build file and records
every file those commands open. The next run rebuilds a target only when one
of the recorded files changed, appeared or vanished.

With no targets, the targets of the first rule are built.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), inv, args, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&inv.WorkDir, "workdir", "C", ".", "directory to build in")
	flags.StringVarP(&inv.BuildFile, "file", "f", "", "build file (default: first of Autodepfile, autodepfile, autodep.yaml, autodep.yml)")
	flags.StringVar(&inv.TracePath, "trace", "", "write the canonical JSON build trace to this file")
	flags.StringVar(&inv.MetricsPath, "metrics-file", "", "write build metrics in Prometheus text format to this file")
	flags.StringVar(&inv.StorePath, "store", "", "dependency store location (overrides store.path)")
	flags.StringVar(&inv.Backend, "backend", "", "dependency store backend: badger, file or memory")
	flags.StringVar(&inv.Tracer, "tracer", "", "file access tracing: auto, ptrace or none")
	flags.StringVar(&inv.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&inv.LogFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		&cobra.Command{
			Use:   "build [targets...]",
			Short: "Bring targets up to date",
			Args:  cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBuild(cmd.Context(), inv, args, stdout, stderr)
			},
		},
		&cobra.Command{
			Use:   "deps TARGET",
			Short: "Print the dependencies recorded for a target",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(inv, stdout, stderr, func(s *session) error {
					records, found, err := s.orch.Dependencies(args[0])
					if err != nil {
						return err
					}
					if !found {
						fmt.Fprintf(stderr, "no dependencies recorded for %s\n", args[0])
						return nil
					}
					for _, r := range records {
						state := "present"
						if !r.Existed {
							state = "absent"
						}
						fmt.Fprintf(stdout, "%s\t%s\n", r.Path, state)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "fingerprint TARGET",
			Short: "Print the fingerprint a target's dependencies are stored under",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(inv, stdout, stderr, func(s *session) error {
					fp, res, err := s.orch.Fingerprint(args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "%s\t%s\n", fp, res.Rule.Origin)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "forget TARGET...",
			Short: "Drop the recorded dependencies of targets so they rebuild next time",
			Args:  minArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(inv, stdout, stderr, func(s *session) error {
					for _, target := range args {
						if err := s.orch.Forget(target); err != nil {
							return err
						}
						s.logger.Info("forgot dependencies", slog.String("target", target))
					}
					return nil
				})
			},
		},
		newWatchCommand(&inv, stdout, stderr),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  exactArgs(0),
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(stdout, "autodep %s\n", Version)
			},
		},
	)
	return root
}

func newWatchCommand(inv *Invocation, stdout, stderr io.Writer) *cobra.Command {
	var debounce = watch.DefaultDebounce
	cmd := &cobra.Command{
		Use:   "watch [targets...]",
		Short: "Rebuild targets whenever files in the work directory change",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(*inv, stdout, stderr, func(s *session) error {
				goals, err := s.goals(args)
				if err != nil {
					return err
				}
				if err := s.build(ctx, goals); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.logger.Error("initial build failed", slog.String("error", err.Error()))
				}

				w, err := watch.New(watch.Options{
					Root:     s.inv.WorkDir,
					Ignore:   append(s.outputs(), filepath.Join(s.inv.WorkDir, ".git")),
					Debounce: debounce,
					Logger:   s.logger,
				})
				if err != nil {
					return internalError(err)
				}
				return w.Run(ctx, func(ctx context.Context, changed []string) error {
					s.logger.Info("rebuilding", slog.Int("changed", len(changed)))
					return s.build(ctx, goals)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", debounce, "quiet period before a batch of changes triggers a build")
	return cmd
}

func runBuild(ctx context.Context, inv Invocation, targets []string, stdout, stderr io.Writer) error {
	return withSession(inv, stdout, stderr, func(s *session) error {
		goals, err := s.goals(targets)
		if err != nil {
			return err
		}
		return s.build(ctx, goals)
	})
}

// withSession canonicalizes inv, opens a session for fn and closes it.
func withSession(inv Invocation, stdout, stderr io.Writer, fn func(*session) error) (err error) {
	inv, err = inv.canonicalize()
	if err != nil {
		return err
	}
	s, err := openSession(inv, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = internalError(fmt.Errorf("close store: %w", cerr))
		}
	}()
	return fn(s)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s: accepts %d argument(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return invalidInvocationf("%s: requires at least %d argument(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
