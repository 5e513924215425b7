package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/almanac/internal/session"
	"github.com/mesh-intelligence/almanac/internal/view"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// queryFlags are the projection flags shared by list and watch.
type queryFlags struct {
	filters []string
	where   string
	sort    string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&q.filters, "filter", nil, "field=value equality filter (repeatable; value ALL matches everything)")
	cmd.Flags().StringVar(&q.where, "where", "", `boolean expression, e.g. 'priority in ["HIGH", "URGENT"]'`)
	cmd.Flags().StringVar(&q.sort, "sort", "", "order: due, priority or created")
}

func (q *queryFlags) query() (view.Query, error) {
	sortKey, err := view.ParseSort(q.sort)
	if err != nil {
		return view.Query{}, userError(err)
	}
	out := view.Query{Where: q.where, Sort: sortKey}
	for _, f := range q.filters {
		field, value, ok := strings.Cut(f, "=")
		if !ok || field == "" {
			return view.Query{}, userError(fmt.Errorf("invalid filter %q (expected field=value)", f))
		}
		out.Filters = append(out.Filters, view.Filter{Field: field, Value: value})
	}
	return out, nil
}

// present applies presentation-only rules before records are shown.
func present(kind types.Kind, records []types.Record) []types.Record {
	if kind == types.KindHabitEntry {
		return view.DedupHabitEntries(records)
	}
	return records
}

func newListCmd(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List records of a kind",
		Long: `List the records of a kind, optionally filtered and sorted.

Example:
  almanac list task --filter status=TODO --sort priority
  almanac list expense --where 'amount > 100 && type == "EXPENSE"' --sort due`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			q, err := qf.query()
			if err != nil {
				return err
			}
			sess, err := a.openSession()
			if err != nil {
				return err
			}
			defer sess.SignOut()

			p, err := sess.View(kind, q)
			if err != nil {
				return classify(err)
			}
			if err := watchReady(cmd.Context(), sess, kind); err != nil {
				return err
			}
			records, err := p.Records()
			if err != nil {
				return classify(err)
			}
			return a.printRecords(kind, present(kind, records))
		},
	}
	qf.register(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "watch <kind>",
		Short: "Print a kind's records every time they change",
		Long: `Print the records of a kind, then print them again after every change
pushed by the data service, until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			q, err := qf.query()
			if err != nil {
				return err
			}

			failed := make(chan error, 1)
			sess, err := a.openSession(session.OnSubscriptionError(func(err *types.SubscriptionError) {
				select {
				case failed <- err:
				default:
				}
			}))
			if err != nil {
				return err
			}
			defer sess.SignOut()

			p, err := sess.View(kind, q)
			if err != nil {
				return classify(err)
			}
			if err := watchReady(cmd.Context(), sess, kind); err != nil {
				return err
			}

			updates := make(chan []types.Record, 1)
			stop := p.OnChange(func(records []types.Record, err error) {
				if err != nil {
					a.log.WithError(err).Warn("projection failed")
					return
				}
				// Keep only the newest projection if the printer falls behind.
				select {
				case <-updates:
				default:
				}
				updates <- records
			})
			defer stop()

			records, err := p.Records()
			if err != nil {
				return classify(err)
			}
			if err := a.printRecords(kind, present(kind, records)); err != nil {
				return err
			}
			for {
				select {
				case records := <-updates:
					if !a.jsonMode {
						fmt.Fprintln(a.out, "--")
					}
					if err := a.printRecords(kind, present(kind, records)); err != nil {
						return err
					}
				case err := <-failed:
					return sysError(err)
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}
	qf.register(cmd)
	return cmd
}
