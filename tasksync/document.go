package tasksync

import (
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/exp/slices"
)

// operations are opaque named documents. only the operation name, kind,
// declared variables and root fields are read from the document.

type OperationKind string

const (
	OperationKindQuery        OperationKind = "query"
	OperationKindMutation     OperationKind = "mutation"
	OperationKindSubscription OperationKind = "subscription"
)

type Operation struct {
	Name      string
	Kind      OperationKind
	Document  string
	Variables []string
	// response keys of the root selection, aliases applied
	RootFields []string
}

func ParseOperation(document string) (*Operation, error) {
	queryDocument, err := parser.ParseQuery(&ast.Source{Input: document})
	if err != nil {
		return nil, err
	}
	if len(queryDocument.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if 1 < len(queryDocument.Operations) {
		return nil, fmt.Errorf("Document has %d operations.", len(queryDocument.Operations))
	}
	operationDefinition := queryDocument.Operations[0]

	operation := &Operation{
		Name:     operationDefinition.Name,
		Kind:     OperationKind(operationDefinition.Operation),
		Document: document,
	}
	for _, variableDefinition := range operationDefinition.VariableDefinitions {
		operation.Variables = append(operation.Variables, variableDefinition.Variable)
	}
	for _, selection := range operationDefinition.SelectionSet {
		if field, ok := selection.(*ast.Field); ok {
			if field.Alias != "" {
				operation.RootFields = append(operation.RootFields, field.Alias)
			} else {
				operation.RootFields = append(operation.RootFields, field.Name)
			}
		}
	}
	return operation, nil
}

func (self *Operation) DeclaresVariable(name string) bool {
	return slices.Contains(self.Variables, name)
}

// operation name -> parsed document
type DocumentRegistry struct {
	stateLock  sync.RWMutex
	operations map[string]*Operation
}

func NewDocumentRegistry() *DocumentRegistry {
	return &DocumentRegistry{
		operations: map[string]*Operation{},
	}
}

// parses and registers documents. every document must name its operation.
func (self *DocumentRegistry) Register(documents ...string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, document := range documents {
		operation, err := ParseOperation(document)
		if err != nil {
			return err
		}
		if operation.Name == "" {
			return fmt.Errorf("Document operation must be named.")
		}
		self.operations[operation.Name] = operation
	}
	return nil
}

func (self *DocumentRegistry) Lookup(name string) (*Operation, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	operation, ok := self.operations[name]
	return operation, ok
}
