package nats

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"cdc-json/internal/models"
)

func TestSubject(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tests := []struct {
		perTable  bool
		namespace string
		table     string
		expected  string
	}{
		{false, "public", "users", "cdc"},
		{true, "public", "users", "cdc.public.users"},
		{true, "", "users", "cdc.users"},
		{true, "my schema", "a.b", "cdc.my_schema.a_b"},
		{true, "public", "*>", "cdc.public.__"},
		{true, "public", "", "cdc.public._"},
	}
	for _, test := range tests {
		p := &Publisher{subject: "cdc", perTable: test.perTable, logger: logger}
		rec := &models.Record{Namespace: test.namespace, Table: test.table}
		assert.Equal(t, test.expected, p.Subject(rec))
	}
}

func TestNewMessage(t *testing.T) {
	payload := []byte(`{ "table": "public.users", "op": "DELETE" }`)
	rec := &models.Record{Op: "DELETE", Xid: 18446744073709551615, Payload: payload}

	msg := NewMessage("cdc.public.users", rec)
	assert.Equal(t, "cdc.public.users", msg.Subject)
	assert.Equal(t, "DELETE", msg.Header.Get(HeaderOp))
	assert.Equal(t, "18446744073709551615", msg.Header.Get(HeaderXid))
	assert.Equal(t, string(payload), string(msg.Data))

	payload[0] = 'X'
	assert.Equal(t, byte('{'), msg.Data[0])
}
