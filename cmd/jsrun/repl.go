package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/augustoroman/jsengine"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
)

type styles struct {
	banner, result, undefined, err lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain}
	}
	return styles{
		banner: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1),
		result:    lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		undefined: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		err:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".jsrun_history")
}

func repl(ctx *jsengine.Context, loop *eventLoop, st styles) error {
	s := liner.NewLiner()
	s.SetMultiLineMode(true)
	s.SetCtrlCAborts(true)
	defer s.Close()

	history := historyPath()
	if f, err := os.Open(history); err == nil {
		s.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if history == "" {
			return
		}
		if f, err := os.Create(history); err == nil {
			s.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println(st.banner.Render("jsrun " + jsengine.Version()))
	for {
		jscode, err := s.Prompt("> ")
		if err == io.EOF {
			fmt.Println()
			return nil
		} else if errors.Is(err, liner.ErrPromptAborted) {
			continue
		} else if err != nil {
			return err
		}
		if strings.TrimSpace(jscode) == "" {
			continue
		}
		s.AppendHistory(jscode)

		result, err := ctx.Eval(jscode, "<input>")
		if err == nil {
			err = loop.drain()
		}
		switch {
		case err != nil:
			fmt.Println(st.err.Render(err.Error()))
			var terminated *jsengine.TerminatedError
			if errors.As(err, &terminated) {
				return err
			}
		case result.IsKind(jsengine.KindUndefined):
			fmt.Println(st.undefined.Render(result.String()))
		default:
			fmt.Println(st.result.Render(result.String()))
		}
	}
}
