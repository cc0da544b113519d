// Package openapi embeds the API contract and validates it at startup,
// providing operation lookup by operationId for contract checks.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Spec returns the raw embedded OpenAPI document.
func Spec() []byte {
	return specYAML
}

// Operation holds a resolved operation from the contract.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// Contract is the parsed and validated API contract.
type Contract struct {
	doc        *openapi3.T
	operations map[string]Operation
}

// Load parses and validates the embedded spec. A malformed contract is a
// build defect, so callers treat an error here as fatal.
func Load(ctx context.Context) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("openapi: parsing embedded spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating embedded spec: %w", err)
	}

	c := &Contract{
		doc:        doc,
		operations: make(map[string]Operation),
	}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			c.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}
	return c, nil
}

// GetOperation returns the operation with the given operationId.
func (c *Contract) GetOperation(operationID string) (Operation, bool) {
	op, ok := c.operations[operationID]
	return op, ok
}

// OperationIDs returns all operationIds in the contract, sorted.
func (c *Contract) OperationIDs() []string {
	ids := make([]string, 0, len(c.operations))
	for id := range c.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredFields returns the required request body fields of an operation,
// or nil if the operation has no JSON request schema.
func (c *Contract) RequiredFields(operationID string) []string {
	op, ok := c.operations[operationID]
	if !ok || op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}
	required := make([]string, len(ct.Schema.Value.Required))
	copy(required, ct.Schema.Value.Required)
	sort.Strings(required)
	return required
}
