package recipients

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

func TestParseCSV(t *testing.T) {
	in := "Email,name,orderId,amount\n" +
		"user1@gmail.com,John Doe,A-1,100\n" +
		" user2@gmail.com , Jane Smith,A-2,200\n" +
		",Nobody,A-3,0\n" +
		"not-an-email,Bad,A-4,0\n" +
		"user1@gmail.com,John Again,A-5,50\n"

	got, err := ParseCSV(strings.NewReader(in))
	require.Len(t, got, 3, "duplicates are kept")
	assert.Equal(t, "user2@gmail.com", got[1].Address)
	assert.Equal(t, map[string]string{"name": "Jane Smith", "orderid": "A-2", "amount": "200"}, got[1].TemplateFields)
	assert.Equal(t, "user1@gmail.com", got[2].Address)

	pes := ParseErrors(err)
	require.Len(t, pes, 2)
	assert.Equal(t, 4, pes[0].Line)
	assert.Contains(t, pes[0].Reason, "empty")
	assert.Equal(t, 5, pes[1].Line)
	assert.Contains(t, pes[1].Reason, "not-an-email")

	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestParseCSV_MissingEmailColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("name,amount\nJohn,1\n"))
	assert.ErrorIs(t, err, ErrMissingEmailColumn)
}

func TestParseCSV_Empty(t *testing.T) {
	got, err := ParseCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseJSON(t *testing.T) {
	in := `[
		{"email": "a@example.com", "data": {"name": "Ann", "amount": 100}},
		{"email": "b@example.com", "name": "Bob"},
		{"email": "  "},
		{"email": "c@example.com", "data": "oops"},
		{"email": "d@example.com"}
	]`

	got, err := ParseJSON(strings.NewReader(in))
	require.Len(t, got, 3)
	assert.Equal(t, map[string]string{"name": "Ann", "amount": "100"}, got[0].TemplateFields)
	assert.Equal(t, map[string]string{"name": "Bob"}, got[1].TemplateFields)
	assert.Nil(t, got[2].TemplateFields)

	pes := ParseErrors(err)
	require.Len(t, pes, 2)
	assert.Equal(t, 3, pes[0].Line)
	assert.Equal(t, 4, pes[1].Line)
}

func TestParseJSON_Malformed(t *testing.T) {
	_, err := ParseJSON(strings.NewReader(`{"email": "a@example.com"}`))
	require.Error(t, err)
	var pe *ParseError
	assert.False(t, errors.As(err, &pe))
}

func TestParseText(t *testing.T) {
	in := "# newsletter list\n\njohn.doe@example.com\n  jane@example.com  \nbroken\n"

	got, err := ParseText(strings.NewReader(in))
	require.Len(t, got, 2)
	assert.Equal(t, dispatch.Recipient{Address: "john.doe@example.com", TemplateFields: map[string]string{"name": "john.doe"}}, got[0])
	assert.Equal(t, "jane@example.com", got[1].Address)

	pes := ParseErrors(err)
	require.Len(t, pes, 1)
	assert.Equal(t, 5, pes[0].Line)
}

func TestLoad_LocalByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "list.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte("email,name\na@example.com,Ann\n"), 0644))
	txtPath := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("b@example.com\n"), 0644))

	got, err := Load(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got[0].TemplateFields["name"])

	got, err = Load(context.Background(), txtPath)
	require.NoError(t, err)
	assert.Equal(t, "b", got[0].TemplateFields["name"])

	_, err = Load(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

type fakeGetter struct {
	objects map[string]string
	gets    []string
}

func (f *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.gets = append(f.gets, k)
	body, ok := f.objects[k]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestLoader_S3(t *testing.T) {
	getter := &fakeGetter{objects: map[string]string{
		"lists/2026/june.json": `[{"email":"a@example.com","data":{"name":"Ann"}}]`,
	}}
	l := NewLoader(getter)

	got, err := l.Load(context.Background(), "s3://lists/2026/june.json")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"lists/2026/june.json"}, getter.gets)

	_, err = l.Load(context.Background(), "s3://lists/missing.json")
	assert.Error(t, err)

	_, err = Load(context.Background(), "s3://lists/2026/june.json")
	assert.ErrorContains(t, err, "no S3 client")
}

func TestSplitS3(t *testing.T) {
	b, k, ok := splitS3("s3://bucket/a/b.csv")
	assert.True(t, ok)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "a/b.csv", k)

	_, _, ok = splitS3("s3://bucket")
	assert.False(t, ok)
	_, _, ok = splitS3("/tmp/list.csv")
	assert.False(t, ok)
}

func TestParserByFormat(t *testing.T) {
	for _, format := range []string{"csv", "JSON", " text ", "txt"} {
		_, ok := ParserByFormat(format)
		assert.True(t, ok, format)
	}
	_, ok := ParserByFormat("xlsx")
	assert.False(t, ok)

	parse, _ := ParserByFormat("csv")
	list, err := parse(strings.NewReader("email,name\na@example.com,A\n"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].TemplateFields["name"])
}

func TestParserFor(t *testing.T) {
	list, err := ParserFor("List.JSON")(strings.NewReader(`[{"email":"a@example.com"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = ParserFor("upload.dat")(strings.NewReader("a@example.com\nb@example.com\n"))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
