package extension

import (
	"context"
	"errors"
	"path/filepath"
	goplugin "plugin"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/descriptor"
)

// SymbolName is the symbol looked up in shared objects.
const SymbolName = "Extension"

// GoPluginAcquirer opens shared objects built with -buildmode=plugin. Relative
// refs are resolved against Dir.
type GoPluginAcquirer struct {
	Dir string
}

// Acquire implements Acquirer.
func (a GoPluginAcquirer) Acquire(_ context.Context, d *descriptor.Descriptor) (Extension, error) {
	path := d.Payload().Ref
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	if !filepath.IsAbs(path) && a.Dir != "" {
		path = filepath.Join(a.Dir, path)
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailed, err, "open plugin "+path)
	}
	symbol, err := so.Lookup(SymbolName)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailed, err, "lookup plugin symbol")
	}
	ext, err := fromSymbol(symbol)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailed, err, "plugin "+path)
	}
	return ext, nil
}

func fromSymbol(symbol any) (Extension, error) {
	switch p := symbol.(type) {
	case Extension:
		return p, nil
	case *Extension:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Extension:
		return p(), nil
	default:
		return nil, errors.New("plugin symbol must implement extension.Extension")
	}
}
