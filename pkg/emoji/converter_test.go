package emoji

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseTableRoundTrip(t *testing.T) {
	c, err := NewConverter("")
	require.NoError(t, err)

	u, ok := c.NameToUnicode("thumbs_up")
	require.True(t, ok)
	assert.Equal(t, "\U0001F44D", u)

	name, ok := c.UnicodeToName(u)
	require.True(t, ok)
	assert.Equal(t, "thumbs_up", name)

	_, ok = c.NameToUnicode("no_such_emoji")
	assert.False(t, ok)
}

func TestMissingOverlayIsNotAnError(t *testing.T) {
	c, err := NewConverter(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)

	_, ok := c.NameToUnicode("fire")
	assert.True(t, ok)
}

func TestOverlayMapsPlatformAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"platform_specific_name,standard_name\n"+
			"+1,thumbs_up\n"+
			"heart,red_heart\n"+
			"tada,party_popper\n",
	), 0o644))

	c, err := NewConverter(path)
	require.NoError(t, err)

	assert.Equal(t, "thumbs_up", c.PlatformToStandard("+1"))
	assert.Equal(t, "+1", c.StandardToPlatform("thumbs_up"))

	// platform alias resolves through the overlay to unicode
	u, ok := c.NameToUnicode("tada")
	require.True(t, ok)
	assert.Equal(t, "\U0001F389", u)

	// unmapped names fall through unchanged
	assert.Equal(t, "shrug", c.PlatformToStandard("shrug"))
	assert.Equal(t, "rocket", c.StandardToPlatform("rocket"))
}

func TestOverlaySkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"lonely\n"+
			" +1 , thumbs_up \n"+
			",red_heart\n",
	), 0o644))

	c, err := NewConverter(path)
	require.NoError(t, err)

	assert.Equal(t, "thumbs_up", c.PlatformToStandard("+1"))
	assert.Equal(t, "red_heart", c.PlatformToStandard("red_heart"))
}
