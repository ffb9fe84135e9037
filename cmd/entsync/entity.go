package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/internal/app"
	"github.com/erfanmomeniii/entsync/internal/output"
)

func (c *cli) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> <id>",
		Short: "Fetch one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Registry.For(args[0])
				if err != nil {
					return err
				}
				rec, err := d.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.print(rec)
			})
		},
	}
}

func (c *cli) listCommand() *cobra.Command {
	var (
		ids   []string
		where []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <entity>",
		Short: "List entities",
		Example: `  entsync list user --where role=admin --limit 10
  entsync list user --id 1 --id 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conds, err := parseWhere(where)
			if err != nil {
				return err
			}
			f := entsync.Filter{IDs: ids, Where: conds, Limit: limit}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Registry.For(args[0])
				if err != nil {
					return err
				}
				recs, err := d.GetList(cmd.Context(), args[0], f)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []entsync.Record{}
				}
				return c.print(recs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "only these identifiers (repeatable)")
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "equality condition as name=value (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entities")
	return cmd
}

// parseWhere turns name=value pairs into filter conditions. Values that
// parse as integers, floats or booleans keep that type.
func parseWhere(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid condition %q: want name=value", p)
		}
		out[name] = scalar(value)
	}
	return out, nil
}

// scalar types s. Only "true" and "false" are booleans and only finite
// decimal numbers are floats.
func scalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) && !strings.ContainsAny(s, "xXpP_") {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// dataFlags holds the record input of create and update.
type dataFlags struct {
	data string
	file string
}

func (f *dataFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "record as JSON or YAML")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read the record from a JSON, YAML or TOML file, - for stdin")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	cmd.MarkFlagsOneRequired("data", "file")
}

// records decodes the input into one record or a list of records.
func (f *dataFlags) records(stdin io.Reader) (single entsync.Record, list []entsync.Record, err error) {
	raw, format := []byte(f.data), output.YAML
	if f.file != "" {
		format = output.FormatFromPath(f.file)
		if f.file == "-" {
			format = output.YAML
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(f.file)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read input: %w", err)
		}
	}
	if format == output.JSON {
		// JSON is valid YAML; decode through YAML so numbers become ints.
		format = output.YAML
	}

	var v any
	if err := output.Decode(raw, format, &v); err != nil {
		return nil, nil, fmt.Errorf("decode input: %w", err)
	}
	switch t := v.(type) {
	case map[string]any:
		return entsync.Record(t), nil, nil
	case []any:
		for i, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("input item %d is not an object", i)
			}
			list = append(list, entsync.Record(m))
		}
		return nil, list, nil
	}
	return nil, nil, errors.New("input must be an object or a list of objects")
}

func (c *cli) createCommand() *cobra.Command {
	var in dataFlags
	cmd := &cobra.Command{
		Use:   "create <entity>",
		Short: "Create one entity, or several from a list",
		Example: `  entsync create user -d '{"name": "Ada"}'
  entsync create user -f users.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, recs, err := in.records(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Registry.For(args[0])
				if err != nil {
					return err
				}
				if recs != nil {
					created, err := d.CreateList(cmd.Context(), args[0], recs)
					if err != nil {
						return err
					}
					return c.print(created)
				}
				created, err := d.Create(cmd.Context(), args[0], rec)
				if err != nil {
					return err
				}
				return c.print(created)
			})
		},
	}
	in.register(cmd)
	return cmd
}

func (c *cli) updateCommand() *cobra.Command {
	var in dataFlags
	cmd := &cobra.Command{
		Use:   "update <entity> <id>",
		Short: "Update one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := in.records(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("update takes a single object")
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Registry.For(args[0])
				if err != nil {
					return err
				}
				updated, err := d.Update(cmd.Context(), args[0], args[1], rec)
				if err != nil {
					return err
				}
				return c.print(updated)
			})
		},
	}
	in.register(cmd)
	return cmd
}

func (c *cli) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>...",
		Short: "Delete entities",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, ids := args[0], args[1:]
			return c.withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Registry.For(entity)
				if err != nil {
					return err
				}
				if len(ids) == 1 {
					err = d.Delete(cmd.Context(), entity, ids[0])
				} else {
					err = d.DeleteList(cmd.Context(), entity, ids)
				}
				if err != nil {
					return err
				}
				return c.print(map[string]any{"deleted": ids})
			})
		},
	}
}
