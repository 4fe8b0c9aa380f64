package secrets

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	t.Setenv("SW_TOKEN", "abc123")
	t.Setenv("SW_USER", "admin")
	t.Setenv("SW_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty string", "", "", false},
		{"literal", "literal-value", "literal-value", false},
		{"simple", "${SW_TOKEN}", "abc123", false},
		{"prefix and suffix", "Bearer ${SW_TOKEN}!", "Bearer abc123!", false},
		{"multiple", "${SW_USER}:${SW_TOKEN}", "admin:abc123", false},
		{"default unused", "${SW_TOKEN:-fallback}", "abc123", false},
		{"default used", "${SW_MISSING:-fallback}", "fallback", false},
		{"empty default", "${SW_MISSING:-}", "", false},
		{"empty variable uses default", "${SW_EMPTY:-x}", "x", false},
		{"missing", "${SW_MISSING}", "", true},
		{"empty variable", "${SW_EMPTY}", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run/secrets/mqtt", []byte("s3cret\r\n"), 0o400))
	require.NoError(t, afero.WriteFile(fs, "/run/secrets/open", []byte(" spaced "), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/run/secrets/empty", []byte("\n"), 0o400))
	require.NoError(t, afero.WriteFile(fs, "/run/secrets/big", make([]byte, maxSecretFileSize+1), 0o400))
	require.NoError(t, fs.MkdirAll("/run/secrets/dir", 0o750))

	got, err := ReadFile(fs, "/run/secrets/mqtt")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = ReadFile(fs, "/run/secrets/../secrets/open")
	require.NoError(t, err)
	assert.Equal(t, " spaced ", got, "permissive files are read, spaces kept")

	tests := []struct {
		path     string
		contains string
	}{
		{"", "empty"},
		{"/run/secrets/missing", "not found"},
		{"/run/secrets/empty", "empty"},
		{"/run/secrets/big", "too large"},
		{"/run/secrets/dir", "not a regular file"},
	}
	for _, tt := range tests {
		_, err := ReadFile(fs, tt.path)
		require.Error(t, err, tt.path)
		assert.Contains(t, err.Error(), tt.contains)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("SW_PASS", "from-env")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/secret", []byte("from-file\n"), 0o600))

	got, err := Resolve(fs, "/secret", "${SW_PASS}")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got, "the file wins")

	got, err = Resolve(fs, "", "${SW_PASS}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Resolve(fs, "", "literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", got)

	got, err = Resolve(fs, "", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Resolve(fs, "/absent", "literal")
	require.Error(t, err)
}
