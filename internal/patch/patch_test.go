package patch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, from, to string) string {
	t.Helper()
	fd := Compute("f.go", []byte(from), []byte(to))
	if from == to {
		require.Nil(t, fd)
		return from
	}
	require.NotNil(t, fd)

	encoded, err := Encode(fd)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "No newline")

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	out, err := Apply([]byte(from), decoded.Hunks)
	require.NoError(t, err)
	return string(out)
}

func TestComputeApplyRoundTrip(t *testing.T) {
	base := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n"
	tests := []struct {
		name     string
		from, to string
	}{
		{"identical", base, base},
		{"modify middle", base, strings.Replace(base, "\"hi\"", "\"hello\"", 1)},
		{"append", base, base + "\nfunc extra() {}\n"},
		{"prepend", base, "// Code generated.\n" + base},
		{"delete all", base, "\n"},
		{"from near-empty", "\n", base},
		{"distant edits", strings.Repeat("line\n", 30) + "a\n", "first\n" + strings.Repeat("line\n", 30) + "b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.to, roundTrip(t, tt.from, tt.to))
		})
	}
}

func TestApply_UserPatch(t *testing.T) {
	orig := "package main\nvar x = 1\nfunc main() {}\n"
	patchText := `--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
-var x = 1
+var x = 2
+var y = 3
 func main() {}
`
	fds, err := Parse([]byte(patchText))
	require.NoError(t, err)
	require.Len(t, fds, 1)

	path, op := Target(fds[0])
	assert.Equal(t, "main.go", path)
	assert.Equal(t, OpModify, op)

	out, keep, err := ApplyFile(fds[0], []byte(orig), true)
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "package main\nvar x = 2\nvar y = 3\nfunc main() {}\n", string(out))

	ins, del := Stat(fds[0])
	assert.Equal(t, 2, ins)
	assert.Equal(t, 1, del)
}

func TestApply_ContextMismatch(t *testing.T) {
	patchText := `--- a/main.go
+++ b/main.go
@@ -1,2 +1,2 @@
 package main
-var x = 1
+var x = 2
`
	fds, err := Parse([]byte(patchText))
	require.NoError(t, err)

	_, err = Apply([]byte("package main\nvar x = 7\n"), fds[0].Hunks)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Line)
	assert.Equal(t, "var x = 1", conflict.Expected)
}

func TestApplyFile_CreateAndDelete(t *testing.T) {
	create := `--- /dev/null
+++ b/new.txt
@@ -0,0 +1,2 @@
+hello
+world
`
	fds, err := Parse([]byte(create))
	require.NoError(t, err)
	path, op := Target(fds[0])
	assert.Equal(t, "new.txt", path)
	assert.Equal(t, OpCreate, op)

	out, keep, err := ApplyFile(fds[0], nil, false)
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "hello\nworld\n", string(out))

	_, _, err = ApplyFile(fds[0], []byte("x\n"), true)
	assert.Error(t, err, "create over existing content")

	del := `--- a/new.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-hello
-world
`
	fds, err = Parse([]byte(del))
	require.NoError(t, err)
	_, op = Target(fds[0])
	assert.Equal(t, OpDelete, op)

	_, keep, err = ApplyFile(fds[0], []byte("hello\nworld\n"), true)
	require.NoError(t, err)
	assert.False(t, keep)

	_, _, err = ApplyFile(fds[0], nil, false)
	assert.Error(t, err)
}

func TestApply_NoTrailingNewline(t *testing.T) {
	patchText := "--- a/f\n+++ b/f\n@@ -1,1 +1,1 @@\n-old\n\\ No newline at end of file\n+new\n\\ No newline at end of file\n"
	fds, err := Parse([]byte(patchText))
	require.NoError(t, err)
	out, err := Apply([]byte("old"), fds[0].Hunks)
	require.NoError(t, err)
	assert.Equal(t, "new", string(out))
}

func TestChangedLines(t *testing.T) {
	assert.Equal(t, 0, ChangedLines("f", []byte("a\nb\n"), []byte("a\nb\n")))
	assert.Equal(t, 2, ChangedLines("f", []byte("a\nb\n"), []byte("a\nc\n")))
	assert.Equal(t, 1, ChangedLines("f", []byte("a"), []byte("a\nb")))
	assert.Equal(t, 3, ChangedLines("f", nil, []byte("x\ny\nz\n")))
}

func TestEncodeHunks_HeaderLikeBodyLines(t *testing.T) {
	ctx := strings.Repeat("same\n", 5)
	from := ctx + "--\n" + ctx
	to := ctx + "++\n" + ctx
	fd := Compute("f.txt", []byte(from), []byte(to))
	require.NotNil(t, fd)

	encoded, err := EncodeHunks(fd)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "\n---\n+++\n")

	hunks, err := DecodeHunks(encoded)
	require.NoError(t, err)
	out, err := Apply([]byte(from), hunks)
	require.NoError(t, err)
	assert.Equal(t, to, string(out))
}

func TestDecodeHunks_Errors(t *testing.T) {
	_, err := DecodeHunks([]byte("--- a/f\n+++ b/f\n"))
	assert.ErrorContains(t, err, "bad hunk header")

	_, err = DecodeHunks([]byte("@@ -1,2 +1,2 @@\n a\n"))
	assert.ErrorContains(t, err, "body ends")

	_, err = DecodeHunks([]byte("@@ -1,1 +1,1 @@\n-a\n+b\n+c\n"))
	assert.ErrorContains(t, err, "bad hunk header")
}
