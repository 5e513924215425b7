package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

func parseKind(name string) (types.Kind, error) {
	kind, err := types.ParseKind(name)
	if err != nil {
		names := make([]string, len(types.Kinds))
		for i, k := range types.Kinds {
			names[i] = string(k)
		}
		return "", userError(fmt.Errorf("%w %q (valid: %s)", err, name, strings.Join(names, ", ")))
	}
	return kind, nil
}

// parseAssignments converts field=value arguments into typed field values
// for kind.
func parseAssignments(kind types.Kind, args []string) (types.Fields, error) {
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return nil, userError(err)
	}
	fields := make(types.Fields, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, userError(fmt.Errorf("invalid assignment %q (expected field=value)", arg))
		}
		v, err := schema.ParseValue(name, raw)
		if err != nil {
			return nil, userError(err)
		}
		fields[name] = v
	}
	return fields, nil
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <kind> <field=value>...",
		Short: "Create a record",
		Long: `Create a record of the given kind. Lists are comma-separated; dates
use RFC 3339 or YYYY-MM-DD.

Example:
  almanac create task title="Buy milk" priority=HIGH dueDate=2024-06-03
  almanac create budget category=Food monthlyLimit=400 month=2024-06`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			fields, err := parseAssignments(kind, args[1:])
			if err != nil {
				return err
			}
			sess, err := a.openSession()
			if err != nil {
				return err
			}
			defer sess.SignOut()

			rec, err := sess.Create(cmd.Context(), kind, fields)
			if err != nil {
				return classify(err)
			}
			if a.jsonMode {
				return a.printJSON(rec)
			}
			fmt.Fprintf(a.out, "Created %s: %s\n", kind, rec.ID)
			return nil
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <kind> <id> <field=value>...",
		Short: "Change fields of a record",
		Long: `Change the named fields of a record; others are left as they are. An
empty value or "null" clears a field.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			fields, err := parseAssignments(kind, args[2:])
			if err != nil {
				return err
			}
			sess, err := a.openSession()
			if err != nil {
				return err
			}
			defer sess.SignOut()

			rec, err := sess.Update(cmd.Context(), kind, args[1], fields)
			if err != nil {
				return classify(err)
			}
			if a.jsonMode {
				return a.printJSON(rec)
			}
			fmt.Fprintf(a.out, "Updated %s: %s\n", kind, rec.ID)
			return nil
		},
	}
}

func newCompleteCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession()
			if err != nil {
				return err
			}
			defer sess.SignOut()

			rec, err := sess.SetTaskStatus(cmd.Context(), args[0], status)
			if err != nil {
				return classify(err)
			}
			if a.jsonMode {
				return a.printJSON(rec)
			}
			fmt.Fprintf(a.out, "Task %s: %s\n", rec.ID, rec.Fields.Text("status"))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", types.TaskStatusCompleted, "status to set")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Remove a record",
		Long:  "Remove a record. Records that refer to it are kept.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			sess, err := a.openSession()
			if err != nil {
				return err
			}
			defer sess.SignOut()

			if err := sess.Delete(cmd.Context(), kind, args[1]); err != nil {
				return classify(err)
			}
			fmt.Fprintf(a.out, "Deleted %s/%s\n", kind, args[1])
			return nil
		},
	}
}
