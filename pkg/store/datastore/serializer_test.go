package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntity struct {
	ID        string            `yaml:"id" json:"id"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
	CreatedAt time.Time         `yaml:"created-at" json:"created_at"`
}

func TestSerializers(t *testing.T) {

	entity := testEntity{
		ID:        "cert-1",
		Labels:    map[string]string{"owner": "alice"},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	for _, name := range []string{"json", "yaml"} {
		serializer, err := ParseSerializer(name)
		require.Nil(t, err)

		data, err := Serialize(entity, serializer)
		require.Nil(t, err)

		decoded, err := Deserialize[testEntity](data, serializer)
		require.Nil(t, err, name)
		assert.Equal(t, entity.ID, decoded.ID, name)
		assert.Equal(t, "alice", decoded.Labels["owner"], name)
		assert.True(t, entity.CreatedAt.Equal(decoded.CreatedAt), name)
	}

	assert.Contains(t, string(mustSerialize(t, entity, SERIALIZER_YAML)), "created-at:")
	assert.Contains(t, string(mustSerialize(t, entity, SERIALIZER_JSON)), `"created_at"`)
}

func TestParseSerializer(t *testing.T) {
	serializer, err := ParseSerializer("")
	assert.Nil(t, err)
	assert.Equal(t, SERIALIZER_JSON, serializer)

	serializer, err = ParseSerializer("yml")
	assert.Nil(t, err)
	assert.Equal(t, SERIALIZER_YAML, serializer)

	_, err = ParseSerializer("xml")
	assert.ErrorIs(t, err, ErrInvalidSerializer)

	_, err = Serialize("x", Serializer(99))
	assert.ErrorIs(t, err, ErrInvalidSerializer)
}

func mustSerialize(t *testing.T, v any, serializer Serializer) []byte {
	data, err := Serialize(v, serializer)
	require.Nil(t, err)
	return data
}
