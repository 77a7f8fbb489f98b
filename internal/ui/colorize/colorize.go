package colorize

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/dalvik/internal/trace"
)

// IsDisabled reports whether colors are turned off by the environment.
func IsDisabled() bool {
	return os.Getenv("DALVIK_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func render(s lipgloss.Style, text string) string {
	if IsDisabled() {
		return text
	}
	return s.Render(text)
}

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Instruction highlights one disassembled instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, DalvikDark, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an emulated address.
func Address(addr uint64) string {
	return render(addressStyle, fmt.Sprintf("%08X", addr))
}

// Handle formats an object handle the way native code sees it.
func Handle(h int32) string {
	return render(addressStyle, fmt.Sprintf("0x%08x", uint32(h)))
}

// ClassName formats a binary class name.
func ClassName(name string) string { return render(classStyle, name) }

// FuncName formats a symbol or operation name.
func FuncName(name string) string { return render(addressStyle, name) }

func Detail(s string) string  { return render(detailStyle, s) }
func Border(s string) string  { return render(borderStyle, s) }
func Comment(s string) string { return render(commentStyle, s) }
func Header(s string) string  { return render(headerStyle, s) }
func Error(s string) string   { return render(errorStyle, s) }
func String(s string) string  { return render(stringStyle, s) }

// Tag formats a trace tag with its # prefix.
func Tag(tag trace.Tag) string {
	s, ok := tagStyles[tag]
	if !ok {
		s = detailStyle
	}
	return render(s, "#"+string(tag))
}

// Event renders a trace event as one line: tags, name, detail and
// annotations.
func Event(e *trace.Event) string {
	var b strings.Builder
	if e.PC != 0 {
		b.WriteString(Address(e.PC))
		b.WriteString("  ")
	}
	for i, tag := range e.Tags {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Tag(tag))
	}
	if e.Name != "" {
		b.WriteByte(' ')
		b.WriteString(FuncName(e.Name))
	}
	if e.Detail != "" {
		b.WriteByte(' ')
		if e.Tags.Primary() == trace.Class {
			b.WriteString(ClassName(e.Detail))
		} else {
			b.WriteString(Detail(e.Detail))
		}
	}
	if len(e.Annotations) > 0 {
		parts := make([]string, 0, len(e.Annotations))
		for k, v := range e.Annotations {
			parts = append(parts, k+"="+v)
		}
		sort.Strings(parts)
		b.WriteString("  ")
		b.WriteString(Comment("; " + strings.Join(parts, ", ")))
	}
	return b.String()
}

// Section renders a report heading.
func Section(title string) string {
	if IsDisabled() {
		return title + "\n" + strings.Repeat("-", len(title))
	}
	return sectionStyle.Render(title)
}

// Field renders an aligned "label value" report line.
func Field(label string, value any) string {
	if IsDisabled() {
		return fmt.Sprintf("  %-14s%v", label, value)
	}
	return "  " + labelStyle.Render(label) + fmt.Sprint(value)
}
