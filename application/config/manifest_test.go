package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
[libraries."libnynet"]
boxes = ["HttpClient", "HttpServer"]
path  = "./plugins/libnynet.so"

[libraries."libnynet".HttpClient]
type_id = 10

[libraries."libnynet".HttpClient.methods]
birth = { method_id = 0, args = [{ from = "string", to = "string" }] }
get   = { method_id = 1, args = [{ from = "string", to = "string" }], returns_result = true }
fini  = { method_id = 4294967295 }

[libraries."libnynet".HttpServer]
type_id = 11
singleton = true

[libraries."libnynet".HttpServer.methods]
birth = { method_id = 0, args = [] }
start = { method_id = 1, args = [{ from = "i64", to = "i64" }] }
`

func TestParseManifest_DecodesBoxTypes(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"HttpClient", "HttpServer"}, m.BoxTypes())

	client, ok := m.Lookup("HttpClient")
	require.True(t, ok)
	assert.Equal(t, uint32(10), client.TypeID)
	assert.Equal(t, "./plugins/libnynet.so", client.LibraryPath)
	assert.False(t, client.Singleton)

	get, ok := client.Methods["get"]
	require.True(t, ok)
	assert.True(t, get.ReturnsResult)
	assert.Equal(t, uint32(1), get.MethodID)

	server, ok := m.Lookup("HttpServer")
	require.True(t, ok)
	assert.True(t, server.Singleton)
}

func TestParseManifest_RejectsMissingPath(t *testing.T) {
	bad := `
[libraries."libx"]
boxes = ["Thing"]

[libraries."libx".Thing]
type_id = 1

[libraries."libx".Thing.methods]
birth = { method_id = 0 }
`
	_, err := ParseManifest([]byte(bad))
	assert.Error(t, err)
}

func TestParseManifest_RejectsUnrecognizedCoercion(t *testing.T) {
	bad := `
[libraries."libx"]
boxes = ["Thing"]
path = "./libx.so"

[libraries."libx".Thing]
type_id = 1

[libraries."libx".Thing.methods]
birth = { method_id = 0, args = [{ from = "weird", to = "string" }] }
`
	_, err := ParseManifest([]byte(bad))
	assert.Error(t, err)
}

func TestParseManifest_AcceptsBoxHandleArg(t *testing.T) {
	good := `
[libraries."libx"]
boxes = ["Thing"]
path = "./libx.so"

[libraries."libx".Thing]
type_id = 1

[libraries."libx".Thing.methods]
birth = { method_id = 0, args = [{ kind = "box", category = "plugin" }] }
`
	m, err := ParseManifest([]byte(good))
	require.NoError(t, err)
	thing, ok := m.Lookup("Thing")
	require.True(t, ok)
	assert.Equal(t, "box", thing.Methods["birth"].Args[0].Kind)
}
