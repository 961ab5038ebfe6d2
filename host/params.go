package host

import (
	"fmt"

	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// Typed parameter bundles for the host methods applications most commonly
// handle. DecodeParams produces one of these from a Call's raw parameter
// list; applications pattern-match on the returned type instead of indexing
// PsValues by position.

// WriteLineParams carries the text of WriteLine2/3, WriteErrorLine,
// WriteDebugLine, WriteVerboseLine, and WriteWarningLine.
type WriteLineParams struct {
	Text string
}

// WriteParams carries Write1/Write2 output, optionally color-qualified.
type WriteParams struct {
	ForegroundColor int32
	BackgroundColor int32
	HasColors       bool
	Text            string
}

// ReadLineParams is empty; ReadLine and ReadLineAsSecureString take no
// arguments.
type ReadLineParams struct{}

// PromptParams carries the Prompt method's caption, message, and field
// descriptions (kept as raw values; their schema is host-defined).
type PromptParams struct {
	Caption      string
	Message      string
	Descriptions []psrpvalue.Value
}

// PromptForChoiceParams carries the choice prompt inputs.
type PromptForChoiceParams struct {
	Caption       string
	Message       string
	Choices       []psrpvalue.Value
	DefaultChoice int32
}

// WriteProgressParams carries the source id and the serialized
// ProgressRecord.
type WriteProgressParams struct {
	SourceID int64
	Record   psrpvalue.Value
}

// CoordinatesParams carries an X/Y pair (SetCursorPosition,
// SetWindowPosition).
type CoordinatesParams struct {
	X int32
	Y int32
}

// SetColorParams carries a console color index.
type SetColorParams struct {
	Color int32
}

// SetStringParams carries a single string argument (SetWindowTitle).
type SetStringParams struct {
	Value string
}

// SetShouldExitParams carries the server's requested exit code.
type SetShouldExitParams struct {
	ExitCode int32
}

// RawParams wraps the parameter list verbatim for methods without a typed
// bundle.
type RawParams struct {
	Values []psrpvalue.Value
}

// DecodeParams converts a Call's raw parameters into the method's typed
// bundle. Methods without a typed bundle, whether in the table or not,
// decode to RawParams.
func DecodeParams(c Call) (interface{}, error) {
	switch c.Method {
	case ReadLine, ReadLineAsSecureString:
		return ReadLineParams{}, nil

	case WriteLine2, WriteLine3, WriteErrorLine, WriteDebugLine,
		WriteVerboseLine, WriteWarningLine:
		text, err := stringAt(c.Params, len(c.Params)-1)
		if err != nil {
			return nil, paramErr(c, err)
		}
		return WriteLineParams{Text: text}, nil

	case Write1, Write2:
		p := WriteParams{}
		switch len(c.Params) {
		case 1:
			text, err := stringAt(c.Params, 0)
			if err != nil {
				return nil, paramErr(c, err)
			}
			p.Text = text
		case 3:
			fg, err := int32At(c.Params, 0)
			if err != nil {
				return nil, paramErr(c, err)
			}
			bg, err := int32At(c.Params, 1)
			if err != nil {
				return nil, paramErr(c, err)
			}
			text, err := stringAt(c.Params, 2)
			if err != nil {
				return nil, paramErr(c, err)
			}
			p.ForegroundColor, p.BackgroundColor, p.HasColors, p.Text = fg, bg, true, text
		default:
			return nil, paramErr(c, fmt.Errorf("want 1 or 3 parameters, got %d", len(c.Params)))
		}
		return p, nil

	case Prompt:
		caption, err := stringAt(c.Params, 0)
		if err != nil {
			return nil, paramErr(c, err)
		}
		message, err := stringAt(c.Params, 1)
		if err != nil {
			return nil, paramErr(c, err)
		}
		p := PromptParams{Caption: caption, Message: message}
		if len(c.Params) > 2 {
			p.Descriptions = listAt(c.Params, 2)
		}
		return p, nil

	case PromptForChoice:
		caption, err := stringAt(c.Params, 0)
		if err != nil {
			return nil, paramErr(c, err)
		}
		message, err := stringAt(c.Params, 1)
		if err != nil {
			return nil, paramErr(c, err)
		}
		p := PromptForChoiceParams{Caption: caption, Message: message}
		if len(c.Params) > 2 {
			p.Choices = listAt(c.Params, 2)
		}
		if len(c.Params) > 3 {
			if def, err := int32At(c.Params, 3); err == nil {
				p.DefaultChoice = def
			}
		}
		return p, nil

	case WriteProgress:
		p := WriteProgressParams{}
		if len(c.Params) > 0 && c.Params[0].Kind == psrpvalue.KindInt64 {
			p.SourceID = c.Params[0].I64
		}
		if len(c.Params) > 1 {
			p.Record = c.Params[1]
		}
		return p, nil

	case SetCursorPosition, SetWindowPosition:
		// Coordinates arrive as a complex object with x/y properties.
		if len(c.Params) < 1 {
			return nil, paramErr(c, fmt.Errorf("missing coordinates"))
		}
		p := CoordinatesParams{}
		if x, ok := c.Params[0].Property("x"); ok {
			p.X = x.I32
		}
		if y, ok := c.Params[0].Property("y"); ok {
			p.Y = y.I32
		}
		return p, nil

	case SetForegroundColor, SetBackgroundColor:
		color, err := int32At(c.Params, 0)
		if err != nil {
			return nil, paramErr(c, err)
		}
		return SetColorParams{Color: color}, nil

	case SetWindowTitle:
		title, err := stringAt(c.Params, 0)
		if err != nil {
			return nil, paramErr(c, err)
		}
		return SetStringParams{Value: title}, nil

	case SetShouldExit:
		code, err := int32At(c.Params, 0)
		if err != nil {
			return nil, paramErr(c, err)
		}
		return SetShouldExitParams{ExitCode: code}, nil

	default:
		return RawParams{Values: c.Params}, nil
	}
}

func paramErr(c Call, err error) error {
	return &Error{Kind: ErrInvalidParameters, Msg: fmt.Sprintf("%s: %v", c.MethodName, err)}
}

func stringAt(params []psrpvalue.Value, i int) (string, error) {
	if i < 0 || i >= len(params) {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	return params[i].AsString()
}

func int32At(params []psrpvalue.Value, i int) (int32, error) {
	if i < 0 || i >= len(params) {
		return 0, fmt.Errorf("missing parameter %d", i)
	}
	v := params[i]
	switch v.Kind {
	case psrpvalue.KindInt32:
		return v.I32, nil
	case psrpvalue.KindComplexObject:
		if v.Complex != nil && v.Complex.Content == psrpvalue.ContentEnum {
			return v.Complex.EnumValue, nil
		}
	}
	return 0, fmt.Errorf("parameter %d: expected Int32, got %s", i, v.Kind)
}

func listAt(params []psrpvalue.Value, i int) []psrpvalue.Value {
	if i < 0 || i >= len(params) {
		return nil
	}
	if c, err := params[i].AsComplex(); err == nil && c != nil {
		return c.Items
	}
	return nil
}
