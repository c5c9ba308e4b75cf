package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"text/tabwriter"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/ggoodman/lsp-server-go/examples/cake"
	"github.com/ggoodman/lsp-server-go/registry"
)

func newCatalogCmd() *cobra.Command {
	var schemas bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List routable methods, or the params schema of each registered handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, _, err := cake.New(slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}
			if schemas {
				return writeSchemas(cmd.OutOrStdout(), srv.Registry())
			}
			return writeCatalog(cmd.OutOrStdout(), srv.Catalog(), srv.Registry())
		},
	}
	cmd.Flags().BoolVar(&schemas, "schemas", false, "print the JSON Schema of each handler's params")
	return cmd
}

func writeCatalog(w io.Writer, c *registry.Catalog, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tKIND\tCONCURRENCY\tCLIENT CAPABILITY\tHANDLERS")
	for _, info := range c.Methods() {
		client := "-"
		if info.Capability != nil && info.Capability.ClientPath != "" {
			client = info.Capability.ClientPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", info.Method, info.Kind, info.Concurrency, client, len(reg.ByMethod(info.Method)))
	}
	return tw.Flush()
}

type handlerSchema struct {
	Method string             `json:"method"`
	Key    string             `json:"key"`
	Params *jsonschema.Schema `json:"params,omitempty"`
	Result *jsonschema.Schema `json:"result,omitempty"`
}

func writeSchemas(w io.Writer, reg *registry.Registry) error {
	var out []handlerSchema
	for _, d := range reg.All() {
		hs := handlerSchema{Method: d.Method, Key: d.Key}
		if d.RequestType != nil {
			hs.Params = schemaOf(d.RequestType)
		}
		if d.ResponseType != nil {
			hs.Result = schemaOf(d.ResponseType)
		}
		out = append(out, hs)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// schemaOf inlines every definition. Only struct roots can be expanded.
func schemaOf(t reflect.Type) *jsonschema.Schema {
	root := t
	if root.Kind() == reflect.Pointer {
		root = root.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: root.Kind() == reflect.Struct,
		Anonymous:      true,
	}
	return r.ReflectFromType(t)
}
