package schema

import "testing"

func TestValidator_AcceptsMinimalRecordsQuery(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Query",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
	})
	if err != nil {
		t.Fatalf("expected a minimal RecordsQuery descriptor to validate: %v", err)
	}
}

func TestValidator_RejectsUnknownMethod(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Frobnicate",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
	})
	if err == nil {
		t.Fatal("expected an unrecognized method to be rejected")
	}
}

func TestValidator_RejectsShortMessageTimestamp(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Query",
		"messageTimestamp": "2026-01-01",
	})
	if err == nil {
		t.Fatal("expected a too-short messageTimestamp to be rejected")
	}
}

func TestValidator_RecordsDeleteRequiresRecordID(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Delete",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
	})
	if err == nil {
		t.Fatal("expected RecordsDelete without recordId to be rejected")
	}

	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Delete",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
		"recordId":         "bafyreigdyr",
	})
	if err != nil {
		t.Fatalf("expected RecordsDelete with recordId to validate: %v", err)
	}
}

func TestValidator_RecordsWriteWithDataCidRequiresSizeAndFormat(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Write",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
		"dataCid":          "bafybeigdyr",
	})
	if err == nil {
		t.Fatal("expected dataCid without dataSize/dataFormat to be rejected")
	}

	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Records",
		"method":           "Write",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
		"dataCid":          "bafybeigdyr",
		"dataSize":         5,
		"dataFormat":       "application/json",
	})
	if err != nil {
		t.Fatalf("expected a fully-specified RecordsWrite to validate: %v", err)
	}
}

func TestValidator_ProtocolsConfigureRequiresDefinition(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateDescriptor(map[string]interface{}{
		"interface":        "Protocols",
		"method":           "Configure",
		"messageTimestamp": "2026-01-01T00:00:00.000000Z",
	})
	if err == nil {
		t.Fatal("expected ProtocolsConfigure without a definition to be rejected")
	}
}

func TestSet_ValidateUnknownURI(t *testing.T) {
	set := NewSet()
	if err := set.Validate("https://dwn.local/schemas/missing.json", map[string]interface{}{}); err == nil {
		t.Fatal("expected validating against an unregistered schema URI to error")
	}
}

func TestSet_HasReflectsRegistration(t *testing.T) {
	set := NewSet()
	if set.Has("https://dwn.local/schemas/custom.json") {
		t.Fatal("expected Has to report false before AddSchema")
	}
	if err := set.AddSchema("https://dwn.local/schemas/custom.json", `{"type": "object"}`); err != nil {
		t.Fatal(err)
	}
	if !set.Has("https://dwn.local/schemas/custom.json") {
		t.Fatal("expected Has to report true after AddSchema")
	}
}
