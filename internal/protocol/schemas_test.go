package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"terrastream.dev/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	posSchema := compile("pos.schema.json")
	editSchema := compile("edit.schema.json")
	regionSchema := compile("region.schema.json")
	errSchema := compile("err.schema.json")

	var hello any
	_ = json.Unmarshal([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "observer_name":"viewer1"
	}`), &hello)
	validate(helloSchema, hello)

	var welcome any
	_ = json.Unmarshal([]byte(`{
	  "type":"WELCOME",
	  "protocol_version":"1.0",
	  "observer_id":"9f1c2a4e-0000-4000-8000-000000000001",
	  "world_params":{
	    "tick_rate_hz":20,
	    "region_size":16,
	    "voxel_size":1.0,
	    "load_radius":4,
	    "seed":1337
	  }
	}`), &welcome)
	validate(welcomeSchema, welcome)

	var pos any
	_ = json.Unmarshal([]byte(`{
	  "type":"POS",
	  "protocol_version":"1.0",
	  "pos":[12.5,64.0,-3.25]
	}`), &pos)
	validate(posSchema, pos)

	var edit any
	_ = json.Unmarshal([]byte(`{
	  "type":"EDIT",
	  "protocol_version":"1.0",
	  "pos":[8.0,8.0,8.0],
	  "radius":4.0,
	  "mode":"REMOVE"
	}`), &edit)
	validate(editSchema, edit)

	var region any
	_ = json.Unmarshal([]byte(`{
	  "type":"REGION",
	  "protocol_version":"1.0",
	  "coord":[0,-1,2],
	  "status":"MODIFIED",
	  "tick":42
	}`), &region)
	validate(regionSchema, region)

	var errMsg any
	_ = json.Unmarshal([]byte(`{
	  "type":"ERR",
	  "protocol_version":"1.0",
	  "code":"E_PROTO_BAD_REQUEST",
	  "message":"unknown message type"
	}`), &errMsg)
	validate(errSchema, errMsg)
}

func TestDecodeBase(t *testing.T) {
	b := []byte(`{"type":"EDIT","protocol_version":"1.0","pos":[1,2,3],"radius":2,"mode":"ADD"}`)
	m, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != "EDIT" || m.ProtocolVersion != "1.0" {
		t.Fatalf("unexpected base: %+v", m)
	}
}
