package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/researcher/internal/stage"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/workflow"
)

type targetFlags struct {
	project string
	domain  string
	create  bool
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project id")
	cmd.Flags().StringVar(&f.domain, "domain", "", "research domain (default: the project's)")
	cmd.Flags().BoolVar(&f.create, "create", false, "create the project when it does not exist")
	_ = cmd.MarkFlagRequired("project")
}

// resolve returns the project's id and the domain to run under.
func (f *targetFlags) resolve(ctx context.Context, a *app) (string, string, error) {
	p, ok, err := a.records.GetProject(ctx, f.project)
	if err != nil {
		return "", "", err
	}
	if !ok {
		if !f.create {
			return "", "", fmt.Errorf("project %q not found (use --create)", f.project)
		}
		domain := f.domain
		if domain == "" {
			domain = a.cfg.General.DefaultDomain
		}
		if p, err = a.records.CreateProject(ctx, f.project, f.project, domain, nil); err != nil {
			return "", "", err
		}
	}
	if p.Status == store.ProjectArchived {
		return "", "", fmt.Errorf("project %q is archived", p.ID)
	}
	switch {
	case f.domain != "":
		return p.ID, f.domain, nil
	case p.Domain != "":
		return p.ID, p.Domain, nil
	default:
		return p.ID, a.cfg.General.DefaultDomain, nil
	}
}

func stageCmd(opts *rootOptions) *cobra.Command {
	var target targetFlags
	var task, rawOptions string
	names := make([]string, 0, len(stage.Order))
	for _, n := range stage.Order {
		names = append(names, string(n))
	}
	cmd := &cobra.Command{
		Use:       "stage <" + strings.Join(names, "|") + ">",
		Short:     "Run a single pipeline stage",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := stage.ParseName(args[0])
			if err != nil {
				return err
			}
			stageOpts, err := stage.DecodeOptions(name, []byte(rawOptions))
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.stageTimeout())
			defer cancel()

			projectID, domain, err := target.resolve(ctx, a)
			if err != nil {
				return err
			}
			out, err := a.runner.RunStage(ctx, projectID, domain, name, task, stageOpts)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("%s stage failed: %s", name, out.Error())
			}
			return nil
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVarP(&task, "task", "t", "", "research question or topic")
	cmd.Flags().StringVar(&rawOptions, "options", "", `stage options as JSON, e.g. '{"max_papers": 8}'`)
	return cmd
}

func runCmd(opts *rootOptions) *cobra.Command {
	var target targetFlags
	var task string
	var only []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline end to end, stopping at the first failed stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := workflow.FullPipeline(task)
			if len(only) > 0 {
				steps = make([]workflow.Step, 0, len(only))
				for _, s := range only {
					name, err := stage.ParseName(strings.TrimSpace(s))
					if err != nil {
						return err
					}
					steps = append(steps, workflow.Step{Stage: name, Task: task})
				}
			}
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.stageTimeout()*time.Duration(len(steps)))
			defer cancel()

			projectID, domain, err := target.resolve(ctx, a)
			if err != nil {
				return err
			}
			res, runErr := a.runner.Run(ctx, projectID, domain, steps)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVarP(&task, "task", "t", "", "research question or topic")
	cmd.Flags().StringSliceVar(&only, "stages", nil, "run only these stages, in the given order")
	return cmd
}
