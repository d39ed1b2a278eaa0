package prefs

import (
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"

	keyTheme            = "ui.theme"
	keySidebarCollapsed = "ui.sidebar_collapsed"
)

// UI holds the theme and sidebar state.
type UI struct {
	file    *File
	theme   *reactive.Value[Theme]
	sidebar *reactive.Value[bool]
}

func NewUI(file *File) *UI {
	theme := ThemeLight
	if stored, ok := file.Get(keyTheme); ok && (Theme(stored) == ThemeLight || Theme(stored) == ThemeDark) {
		theme = Theme(stored)
	}
	collapsed := false
	if stored, ok := file.Get(keySidebarCollapsed); ok {
		if parsed, err := strconv.ParseBool(stored); err == nil {
			collapsed = parsed
		}
	}
	return &UI{
		file:    file,
		theme:   reactive.NewValue(theme),
		sidebar: reactive.NewValue(collapsed),
	}
}

func (u *UI) Theme() *reactive.Value[Theme] {
	return u.theme
}

func (u *UI) SidebarCollapsed() *reactive.Value[bool] {
	return u.sidebar
}

func (u *UI) ToggleTheme() error {
	next := ThemeDark
	if u.theme.Get() == ThemeDark {
		next = ThemeLight
	}
	return u.SetTheme(next)
}

func (u *UI) SetTheme(theme Theme) error {
	if theme != ThemeLight && theme != ThemeDark {
		return fmt.Errorf("prefs: unknown theme %q", theme)
	}
	if err := u.file.Set(map[string]string{keyTheme: string(theme)}); err != nil {
		return err
	}
	u.theme.Set(theme)
	return nil
}

func (u *UI) ToggleSidebar() error {
	return u.SetSidebarCollapsed(!u.sidebar.Get())
}

func (u *UI) SetSidebarCollapsed(collapsed bool) error {
	if err := u.file.Set(map[string]string{keySidebarCollapsed: strconv.FormatBool(collapsed)}); err != nil {
		return err
	}
	u.sidebar.Set(collapsed)
	return nil
}
