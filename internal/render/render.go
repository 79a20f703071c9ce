// Package render renders the Go template a digest generator's title field
// carries (internal/plugins/generators/digest), using mugo's
// function map so authors get the same template helpers (string, date,
// encoding conversions) as the rest of the plugin config surface.
package render

import (
	"bytes"
	"log/slog"

	"github.com/rytsh/mugo/fstore"
	_ "github.com/rytsh/mugo/fstore/registry"
	"github.com/rytsh/mugo/render"
	"github.com/rytsh/mugo/templatex"
)

// ExecuteWithData renders content with the standard mugo function set,
// re-exported so callers don't need to import mugo/render directly.
var ExecuteWithData = render.ExecuteWithData

// ExecuteWithFuncs renders content with the standard function map plus
// extraFuncs, for templates that need access to per-execution state (e.g. a
// digest body referencing the items collected during this run) beyond what
// the static function map provides.
func ExecuteWithFuncs(content string, data any, extraFuncs map[string]any) ([]byte, error) {
	tpl := templatex.New(
		templatex.WithAddFuncMapWithOpts(func(o templatex.Option) map[string]any {
			return fstore.FuncMap(
				fstore.WithLog(slog.Default()),
				fstore.WithTrust(true),
				fstore.WithExecuteTemplate(o.T),
			)
		}),
		templatex.WithAddFuncMap(extraFuncs),
	)

	var buf bytes.Buffer
	if err := tpl.Execute(
		templatex.WithIO(&buf),
		templatex.WithContent(content),
		templatex.WithData(data),
	); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
