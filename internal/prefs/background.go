package prefs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
)

const (
	keyBackgroundURL     = "background.url"
	keyBackgroundOpacity = "background.opacity"
	keyBackgroundBlur    = "background.blur"

	defaultOpacity = 0.7
	defaultBlur    = "8px"
)

// BackgroundImage describes the page backdrop.
type BackgroundImage struct {
	URL     string  `json:"url" yaml:"url"`
	Opacity float64 `json:"opacity" yaml:"opacity"`
	Blur    string  `json:"blur" yaml:"blur"`
}

type BackgroundOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

var backgroundOptions = []BackgroundOption{
	{ID: "code", Name: "Code", URL: "https://images.unsplash.com/photo-1542831371-29b0f74f9713?w=1920&q=80"},
	{ID: "dark-code", Name: "Dark Code", URL: "https://images.unsplash.com/photo-1555066931-4365d14bab8c?w=1920&q=80"},
	{ID: "abstract", Name: "Abstract", URL: "https://images.unsplash.com/photo-1557683316-973673baf926?w=1920&q=80"},
	{ID: "night", Name: "Night Sky", URL: "https://images.unsplash.com/photo-1475274047050-1d0c0975c63e?w=1920&q=80"},
	{ID: "mountains", Name: "Mountains", URL: "https://images.unsplash.com/photo-1506905925346-21bda4d32df4?w=1920&q=80"},
}

// BackgroundOptions lists the built-in backdrops.
func BackgroundOptions() []BackgroundOption {
	return append([]BackgroundOption(nil), backgroundOptions...)
}

// DefaultBackground is the backdrop used until the user picks one.
func DefaultBackground() BackgroundImage {
	return BackgroundImage{URL: backgroundOptions[0].URL, Opacity: defaultOpacity, Blur: defaultBlur}
}

type Background struct {
	file    *File
	current *reactive.Value[BackgroundImage]
}

func NewBackground(file *File) *Background {
	image := DefaultBackground()
	if stored, ok := file.Get(keyBackgroundURL); ok && stored != "" {
		image.URL = stored
	}
	if stored, ok := file.Get(keyBackgroundOpacity); ok {
		if parsed, err := strconv.ParseFloat(stored, 64); err == nil && parsed >= 0 && parsed <= 1 {
			image.Opacity = parsed
		}
	}
	if stored, ok := file.Get(keyBackgroundBlur); ok && stored != "" {
		image.Blur = stored
	}
	return &Background{file: file, current: reactive.NewValue(image)}
}

func (b *Background) Current() *reactive.Value[BackgroundImage] {
	return b.current
}

// Set replaces the backdrop. Opacity must lie in [0, 1].
func (b *Background) Set(url string, opacity float64, blur string) error {
	url, blur = strings.TrimSpace(url), strings.TrimSpace(blur)
	if url == "" {
		return fmt.Errorf("prefs: background url is required")
	}
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("prefs: opacity %v out of range", opacity)
	}
	if blur == "" {
		blur = defaultBlur
	}
	image := BackgroundImage{URL: url, Opacity: opacity, Blur: blur}
	if err := b.file.Set(map[string]string{
		keyBackgroundURL:     image.URL,
		keyBackgroundOpacity: strconv.FormatFloat(image.Opacity, 'f', -1, 64),
		keyBackgroundBlur:    image.Blur,
	}); err != nil {
		return err
	}
	b.current.Set(image)
	return nil
}

// Choose switches to one of the built-in options, keeping opacity and blur.
func (b *Background) Choose(optionID string) error {
	for _, option := range backgroundOptions {
		if option.ID == optionID {
			current := b.current.Get()
			return b.Set(option.URL, current.Opacity, current.Blur)
		}
	}
	return fmt.Errorf("prefs: unknown background option %q", optionID)
}

// Reset restores the default backdrop.
func (b *Background) Reset() error {
	if err := b.file.Delete(keyBackgroundURL, keyBackgroundOpacity, keyBackgroundBlur); err != nil {
		return err
	}
	b.current.Set(DefaultBackground())
	return nil
}
