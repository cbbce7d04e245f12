package dsl

import _ "embed"

// flowSchema is the JSON schema every loaded flow document must satisfy.
// Unknown fields are allowed so designer-added metadata survives loading.
//
//go:embed flow.schema.json
var flowSchema string
