package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"contactline/internal/app"
	"contactline/internal/domain"
	"contactline/internal/engine"
	"contactline/internal/repo"
)

func processCmd() *cobra.Command {
	var report bool
	cmd := &cobra.Command{
		Use:   "process [event.json]",
		Short: "Run the rule chain over one event",
		Long:  "Reads an event from the file or stdin and prints the updated event. Use --report to print the per-section outcome as well.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args)
			if err != nil {
				return err
			}
			ev, err := domain.DecodeEvent(data)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ProcessEvent(ctx, ev, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if report {
					if viper.GetBool("json") {
						return printJSON(res)
					}
					printSections(res)
					return nil
				}
				if err := printJSON(res.Event); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "print section results instead of the event")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [events.jsonl]",
		Short: "Process JSON lines of events in parallel",
		Long:  "Each input line holds one event. Updated events are written as JSON lines in input order; failed events are reported on stderr. Parallelism follows rules.workers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeFn, err := openInput(args)
			if err != nil {
				return err
			}
			defer closeFn()
			var evs []domain.Event
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			line := 0
			for scanner.Scan() {
				line++
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				ev, err := domain.DecodeEvent([]byte(text))
				if err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				evs = append(evs, ev)
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ProcessBatch(ctx, evs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				failed := 0
				for _, item := range items {
					if item.Error != "" {
						failed++
						fmt.Fprintf(os.Stderr, "event %d: %s\n", item.Index, item.Error)
					}
					if item.Result == nil {
						continue
					}
					if err := enc.Encode(item.Result.Event); err != nil {
						return err
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d events failed", failed, len(items))
				}
				return nil
			})
		},
	}
	return cmd
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Inspect rules"}
	rules.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered rules in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items := rt.Engine.Rules()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Enabled", "Description"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Name, r.Enabled, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rules
}

func contactsCmd() *cobra.Command {
	contacts := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the contact database",
	}
	contacts.AddCommand(contactsImportCmd())
	contacts.AddCommand(contactsListCmd())
	contacts.AddCommand(contactsLookupCmd())
	contacts.AddCommand(contactsDeleteCmd())
	return contacts
}

func contactsImportCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <organisations.yml>",
		Short: "Import organisations from a YAML or JSON list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var recs []domain.OrganisationRecord
			if err := yaml.Unmarshal(data, &recs); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Engine.ImportOrganisations(ctx, recs, replace, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ids": ids})
				}
				fmt.Printf("imported %d organisations\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace organisations with the same managed kind and import source")
	return cmd
}

func contactsListCmd() *cobra.Command {
	var managed string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organisations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListOrganisations(ctx, managed)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Managed", "Import Source", "Contacts"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Name, o.Managed, o.ImportSource, o.Contacts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&managed, "managed", "", "filter by manual or automatic")
	return cmd
}

func contactsDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an organisation with its contacts and entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteOrganisation(ctx, id)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "organisation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func contactsLookupCmd() *cobra.Command {
	var q repo.LookupQuery
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up contacts for event values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				info, err := rt.Engine.Lookup(ctx, q, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				printContactInfo(info)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.IP, "ip", "", "IP address")
	cmd.Flags().Int64Var(&q.ASN, "asn", 0, "autonomous system number")
	cmd.Flags().StringVar(&q.FQDN, "fqdn", "", "domain name")
	cmd.Flags().StringVar(&q.CountryCode, "cc", "", "two letter country code")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Processing log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.LogFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest processing log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Engine.Repo.LatestEntries(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Section", "Actor", "Payload"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.Section, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Type, "type", "", "entry type filter")
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "run id filter")
	cmd.Flags().StringVar(&f.Section, "section", "", "section filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var perms []string
	var saveEnv bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, viper.GetString("actor-id"), name, perms)
				if err != nil {
					return err
				}
				if saveEnv {
					path := filepath.Join(viper.GetString("workspace"), ".env")
					if err := setEnvValue(path, "CONTACTLINE_API_KEY", secret); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Secret"})
				tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Permissions, ","), secret})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable; default all)")
	cmd.Flags().BoolVar(&saveEnv, "save-env", false, "store the secret as CONTACTLINE_API_KEY in <workspace>/.env")
	return cmd
}

// --- helpers ---

func readInput(args []string) ([]byte, error) {
	in, closeFn, err := openInput(args)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return io.ReadAll(in)
}

func openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printSections(res engine.ProcessResult) {
	tw := newTable()
	tw.SetTitle("run " + res.RunID)
	tw.AppendHeader(table.Row{"Section", "Looked Up", "Ran", "Halted By", "Directives", "Groups", "Error"})
	for _, s := range res.Sections {
		tw.AppendRow(table.Row{s.Section, s.LookedUp, strings.Join(s.Ran, ","), s.HaltedBy, s.Directives, s.AggregationGroups, s.Error})
	}
	tw.Render()
}

func printContactInfo(info domain.ContactInfo) {
	mt := newTable()
	mt.SetTitle("matches")
	mt.AppendHeader(table.Row{"Field", "Managed", "Address", "Organisations", "Annotations"})
	for _, m := range info.Matches {
		mt.AppendRow(table.Row{m.Field, m.Managed, m.Address, fmt.Sprint(m.Organisations), tags(m.Annotations)})
	}
	mt.Render()
	ot := newTable()
	ot.SetTitle("organisations")
	ot.AppendHeader(table.Row{"ID", "Name", "Managed", "Contacts", "Annotations"})
	for _, o := range info.Organisations {
		var emails []string
		for _, c := range o.Contacts {
			emails = append(emails, c.Email)
		}
		ot.AppendRow(table.Row{o.ID, o.Name, o.Managed, strings.Join(emails, ","), tags(o.Annotations)})
	}
	ot.Render()
}

func tags(as []domain.Annotation) string {
	res := make([]string, 0, len(as))
	for _, a := range as {
		res = append(res, a.Tag)
	}
	return strings.Join(res, ",")
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// setEnvValue sets key in the dotenv file at path, keeping other entries.
func setEnvValue(path, key, value string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return err
		}
		env = existing
	} else if !os.IsNotExist(err) {
		return err
	}
	env[key] = value
	return godotenv.Write(env, path)
}
