package resolver

import (
	"regexp"
	"strings"

	"github.com/warptools/sciflo/sfapi"
)

// boundCall is what a binding resolves to before inputs are wired.
type boundCall struct {
	Variant  sfapi.Variant
	Call     string
	Endpoint sfapi.Endpoint
	// NestedRef is a path or url the nested workflow must be read from.
	NestedRef string
}

var dottedName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// parseBinding turns "<kind>:<payload>" binding text into a variant.
//
// Errors:
//
//    - sciflo-error-binding-unparseable -- when the kind is unknown or the payload malformed
func parseBinding(processID string, b sfapi.Binding) (boundCall, error) {
	text := strings.TrimSpace(b.Text)
	if b.Nested != nil && text == "" {
		text = "sciflo:"
	}
	kind, payload, ok := strings.Cut(text, ":")
	if !ok {
		return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "expected <kind>:<payload>")
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	payload = strings.TrimSpace(payload)
	if payload == "" && !(kind == "sciflo" && b.Nested != nil) {
		return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "empty payload")
	}
	bc := boundCall{Call: payload}
	switch kind {
	case "python":
		switch {
		case dottedName.MatchString(payload):
			bc.Variant = sfapi.VariantNamedFunction
		case strings.Contains(payload, "func"):
			bc.Variant = sfapi.VariantInlineFunction
		default:
			return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "payload is neither a dotted function name nor function source")
		}
	case "binary", "script":
		bc.Variant = sfapi.VariantExecutable
	case "sciflo":
		bc.Variant = sfapi.VariantNestedWorkflow
		if b.Nested == nil {
			bc.NestedRef = payload
			bc.Call = ""
		}
	case "rest":
		bc.Variant = sfapi.VariantURLTemplate
		bc.Endpoint.Mode = "rest"
	case "template":
		bc.Variant = sfapi.VariantURLTemplate
		bc.Endpoint.Mode = "template"
	case "cmdline":
		bc.Variant = sfapi.VariantCommandTemplate
	case "soap":
		wsdl, method, ok := strings.Cut(payload, "#")
		if !ok || wsdl == "" || method == "" {
			return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "soap bindings are soap:WSDL#METHOD")
		}
		bc.Variant = sfapi.VariantRemoteRPC
		bc.Call = method
		bc.Endpoint.URL = wsdl
		bc.Endpoint.Async = isTrue(b.Async)
	case "post":
		bc.Variant = sfapi.VariantPostRequest
		bc.Endpoint.Method = "POST"
		for _, h := range b.Headers {
			bc.Endpoint.Headers = append(bc.Endpoint.Headers, [2]string{strings.TrimSpace(h.Name), strings.TrimSpace(h.Value)})
		}
	case "xpath":
		bc.Variant = sfapi.VariantXPath
	case "xquery":
		bc.Variant = sfapi.VariantXQuery
	case "map":
		bc.Variant = sfapi.VariantMapOverQueue
		bc.Endpoint.Queue = b.JobQueue
		bc.Endpoint.Async = isTrue(b.Async)
	case "parallel":
		bc.Variant = sfapi.VariantSingleOverQueue
		bc.Endpoint.Queue = b.JobQueue
		bc.Endpoint.Async = isTrue(b.Async)
	default:
		return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "unknown binding kind "+kind)
	}
	if (kind == "map" || kind == "parallel") && !dottedName.MatchString(payload) {
		return boundCall{}, sfapi.ErrorBindingUnparseable(processID, text, "queue bindings name a job builder")
	}
	return bc, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
