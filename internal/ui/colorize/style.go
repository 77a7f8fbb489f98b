// Package colorize renders bridge traces, reports and disassembly for the
// terminal. Set DALVIK_NO_COLOR or NO_COLOR to get plain text.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/dalvik/internal/trace"
)

// Palette
const (
	ColorAddress   = "#FFC800"
	ColorMnemonic  = "#FFFFFF"
	ColorRegister  = "#87CEEB"
	ColorNumber    = "#FF80C0"
	ColorComment   = "#FF8000"
	ColorDetail    = "#B4B4B4"
	ColorBorder    = "#505050"
	ColorHeader    = "#569CD6"
	ColorClass     = "#4EC9B0"
	ColorGlobal    = "#C586C0"
	ColorLocal     = "#9CDCFE"
	ColorException = "#F44747"
	ColorLibrary   = "#DCDCAA"
	ColorString    = "#CE9178"
)

// DalvikDark highlights the arm64 listing printed by run --insn.
var DalvikDark = styles.Register(chroma.MustNewStyle("dalvik-dark", chroma.StyleEntries{
	chroma.Text:           ColorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        ColorComment,
	chroma.CommentPreproc: ColorComment,

	chroma.Keyword:       ColorMnemonic,
	chroma.KeywordPseudo: ColorMnemonic,
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.NameLabel:    ColorAddress,
	chroma.NameFunction: ColorMnemonic,
	chroma.Operator:     ColorMnemonic,
	chroma.Punctuation:  ColorMnemonic,
	chroma.String:       ColorString,
}))

func fg(c string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
}

var (
	addressStyle = fg(ColorAddress)
	detailStyle  = fg(ColorDetail)
	borderStyle  = fg(ColorBorder)
	commentStyle = fg(ColorComment)
	classStyle   = fg(ColorClass)
	stringStyle  = fg(ColorString)
	errorStyle   = fg(ColorException).Bold(true)
	headerStyle  = fg(ColorHeader).Bold(true)
	labelStyle   = fg(ColorDetail).Width(14)

	sectionStyle = headerStyle.
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color(ColorBorder))
)

// tagStyles colors the primary tag of an event.
var tagStyles = map[trace.Tag]lipgloss.Style{
	trace.Ref:       fg(ColorLocal),
	trace.Local:     fg(ColorLocal),
	trace.Global:    fg(ColorGlobal),
	trace.Weak:      fg(ColorGlobal).Italic(true),
	trace.Class:     classStyle,
	trace.Exception: errorStyle,
	trace.Library:   fg(ColorLibrary),
	trace.Dynload:   fg(ColorLibrary),
	trace.Asset:     fg(ColorLibrary),
	trace.JavaVM:    headerStyle,
	trace.JniCall:   fg(ColorRegister),
	trace.String:    stringStyle,
	trace.Array:     stringStyle,
	trace.Fallback:  fg(ColorComment),
	trace.Script:    fg(ColorNumber),
}
