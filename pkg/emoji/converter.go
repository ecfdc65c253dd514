// Package emoji converts between standard emoji short names, their unicode
// forms, and platform-specific aliases. The base table covers the reactions
// chat platforms actually exchange; a per-platform CSV overlay maps the
// names that differ (for example Zulip's "thumbs_up" vs Slack's "+1").
package emoji

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/liaisonhq/liaison/pkg/logger"
)

// baseTable maps standard short names to unicode emoji. Kept deliberately
// small: it only needs to cover what platforms send as reaction payloads.
var baseTable = map[string]string{
	"thumbs_up":                     "\U0001F44D",
	"thumbs_down":                   "\U0001F44E",
	"red_heart":                     "❤️",
	"fire":                          "\U0001F525",
	"grinning_face":                 "\U0001F600",
	"face_with_tears_of_joy":        "\U0001F602",
	"rolling_on_the_floor_laughing": "\U0001F923",
	"smiling_face_with_heart_eyes":  "\U0001F60D",
	"winking_face":                  "\U0001F609",
	"thinking_face":                 "\U0001F914",
	"crying_face":                   "\U0001F622",
	"loudly_crying_face":            "\U0001F62D",
	"angry_face":                    "\U0001F620",
	"face_with_open_mouth":          "\U0001F62E",
	"folded_hands":                  "\U0001F64F",
	"clapping_hands":                "\U0001F44F",
	"flexed_biceps":                 "\U0001F4AA",
	"party_popper":                  "\U0001F389",
	"eyes":                          "\U0001F440",
	"waving_hand":                   "\U0001F44B",
	"ok_hand":                       "\U0001F44C",
	"victory_hand":                  "✌️",
	"rocket":                        "\U0001F680",
	"star":                          "⭐",
	"sparkles":                      "✨",
	"check_mark_button":             "✅",
	"cross_mark":                    "❌",
	"warning":                       "⚠️",
	"question_mark":                 "❓",
	"exclamation_mark":              "❗",
	"hundred_points":                "\U0001F4AF",
	"light_bulb":                    "\U0001F4A1",
	"face_with_rolling_eyes":        "\U0001F644",
	"smiling_face":                  "\U0001F642",
	"neutral_face":                  "\U0001F610",
	"skull":                         "\U0001F480",
	"robot":                         "\U0001F916",
	"water_wave":                    "\U0001F30A",
}

// Converter performs bidirectional emoji name translation.
type Converter struct {
	nameToUnicode map[string]string
	unicodeToName map[string]string

	platformToStandard map[string]string
	standardToPlatform map[string]string
}

// NewConverter builds a converter with the built-in table plus an optional
// platform overlay CSV at overlayPath (columns: platform_specific_name,
// standard_name). A missing overlay file is not an error.
func NewConverter(overlayPath string) (*Converter, error) {
	c := &Converter{
		nameToUnicode:      make(map[string]string, len(baseTable)),
		unicodeToName:      make(map[string]string, len(baseTable)),
		platformToStandard: make(map[string]string),
		standardToPlatform: make(map[string]string),
	}
	for name, u := range baseTable {
		c.nameToUnicode[name] = u
		c.unicodeToName[u] = name
	}

	if overlayPath == "" {
		return c, nil
	}
	f, err := os.Open(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.DebugCF("emoji", "No platform emoji overlay found", map[string]any{
				"path": overlayPath,
			})
			return c, nil
		}
		return nil, errors.Wrap(err, "opening emoji overlay")
	}
	defer f.Close()

	if err := c.loadOverlay(f); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Converter) loadOverlay(r io.Reader) error {
	reader := csv.NewReader(r)
	// overlay rows are hand-maintained; tolerate ragged ones
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return errors.Wrap(err, "parsing emoji overlay")
	}

	for i, row := range records {
		if len(row) < 2 {
			continue
		}
		platformName := strings.TrimSpace(row[0])
		standardName := strings.TrimSpace(row[1])
		// skip a header row if present
		if i == 0 && platformName == "platform_specific_name" {
			continue
		}
		if platformName == "" || standardName == "" {
			continue
		}
		c.platformToStandard[platformName] = standardName
		c.standardToPlatform[standardName] = platformName
	}
	return nil
}

// PlatformToStandard converts a platform-specific emoji name to the standard
// name, falling through unchanged when no mapping exists.
func (c *Converter) PlatformToStandard(name string) string {
	if std, ok := c.platformToStandard[name]; ok {
		return std
	}
	return name
}

// StandardToPlatform converts a standard emoji name to the platform-specific
// alias, falling through unchanged when no mapping exists.
func (c *Converter) StandardToPlatform(name string) string {
	if plat, ok := c.standardToPlatform[name]; ok {
		return plat
	}
	return name
}

// NameToUnicode resolves a standard or platform name to its unicode form.
func (c *Converter) NameToUnicode(name string) (string, bool) {
	u, ok := c.nameToUnicode[c.PlatformToStandard(name)]
	return u, ok
}

// UnicodeToName resolves a unicode emoji back to its standard short name.
func (c *Converter) UnicodeToName(u string) (string, bool) {
	name, ok := c.unicodeToName[u]
	return name, ok
}
