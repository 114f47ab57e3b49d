package plans

import (
	"fmt"
	"strings"
	"time"

	"github.com/bringyour/tasksync/tasksync"
)

// the optimistic side of the built-in task and patient mutations
// each plan edits the normalized entity, so every cached query referencing it sees the change

const (
	CompleteTask         = "CompleteTask"
	ReopenTask           = "ReopenTask"
	UpdateTask           = "UpdateTask"
	AssignTask           = "AssignTask"
	UnassignTask         = "UnassignTask"
	AssignTaskToTeam     = "AssignTaskToTeam"
	UnassignTaskFromTeam = "UnassignTaskFromTeam"
	DeleteTask           = "DeleteTask"
	UpdatePatient        = "UpdatePatient"
	AdmitPatient         = "AdmitPatient"
	DischargePatient     = "DischargePatient"
	WaitPatient          = "WaitPatient"
	MarkPatientDead      = "MarkPatientDead"
	DeletePatient        = "DeletePatient"
)

type PatientState string

const (
	PatientStateAdmitted   PatientState = "ADMITTED"
	PatientStateDischarged PatientState = "DISCHARGED"
	PatientStateDead       PatientState = "DEAD"
	PatientStateWait       PatientState = "WAIT"
)

const TypenamePropertyDefinition = "PropertyDefinitionType"
const TypenamePropertyValue = "PropertyValueType"

var now = time.Now

func RegisterAll(registry *tasksync.OptimisticRegistry) {
	registry.Register(CompleteTask, taskDonePlan(true))
	registry.Register(ReopenTask, taskDonePlan(false))
	registry.Register(UpdateTask, tasksync.OptimisticPlanFunc(updateTaskPatches))
	registry.Register(AssignTask, tasksync.OptimisticPlanFunc(assignTaskPatches))
	registry.Register(UnassignTask, taskFieldsPlan(map[string]any{"assignee": nil}))
	registry.Register(AssignTaskToTeam, tasksync.OptimisticPlanFunc(assignTaskToTeamPatches))
	registry.Register(UnassignTaskFromTeam, taskFieldsPlan(map[string]any{"assigneeTeam": nil}))
	registry.Register(DeleteTask, removePlan(tasksync.EntityKindTask))
	registry.Register(UpdatePatient, tasksync.OptimisticPlanFunc(updatePatientPatches))
	registry.Register(AdmitPatient, patientStatePlan(PatientStateAdmitted))
	registry.Register(DischargePatient, patientStatePlan(PatientStateDischarged))
	registry.Register(WaitPatient, patientStatePlan(PatientStateWait))
	registry.Register(MarkPatientDead, patientStatePlan(PatientStateDead))
	registry.Register(DeletePatient, removePlan(tasksync.EntityKindPatient))
}

// the entity kind of each built-in mutation
func EntityKind(mutationName string) (tasksync.EntityKind, bool) {
	switch mutationName {
	case CompleteTask, ReopenTask, UpdateTask, AssignTask, UnassignTask,
		AssignTaskToTeam, UnassignTaskFromTeam, DeleteTask:
		return tasksync.EntityKindTask, true
	case UpdatePatient, AdmitPatient, DischargePatient, WaitPatient, MarkPatientDead, DeletePatient:
		return tasksync.EntityKindPatient, true
	default:
		return "", false
	}
}

func variableId(variables tasksync.Variables, name string) string {
	switch v := variables[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func timestamp() string {
	return now().UTC().Format(time.RFC3339)
}

func taskDonePlan(done bool) tasksync.OptimisticPlan {
	return tasksync.OptimisticPlanFunc(func(variables tasksync.Variables) []tasksync.OptimisticPatch {
		id := variableId(variables, "id")
		if id == "" {
			return nil
		}
		return []tasksync.OptimisticPatch{
			&tasksync.EntityFieldsPatch{
				Key: tasksync.EntityKindTask.EntityKey(id),
				Fields: map[string]any{
					"done":       done,
					"updateDate": timestamp(),
				},
			},
		}
	})
}

func taskFieldsPlan(fields map[string]any) tasksync.OptimisticPlan {
	return tasksync.OptimisticPlanFunc(func(variables tasksync.Variables) []tasksync.OptimisticPatch {
		id := variableId(variables, "id")
		if id == "" {
			return nil
		}
		return []tasksync.OptimisticPatch{
			&tasksync.EntityFieldsPatch{
				Key:    tasksync.EntityKindTask.EntityKey(id),
				Fields: fields,
			},
		}
	})
}

func assignTaskPatches(variables tasksync.Variables) []tasksync.OptimisticPatch {
	id := variableId(variables, "id")
	userId := variableId(variables, "userId")
	if id == "" || userId == "" {
		return nil
	}
	userKey := tasksync.EntityKey{
		Typename: tasksync.TypenameUser,
		Id:       userId,
	}
	return []tasksync.OptimisticPatch{
		&tasksync.EntityFieldsPatch{
			Key: tasksync.EntityKindTask.EntityKey(id),
			Fields: map[string]any{
				"assignee":     tasksync.Ref(userKey),
				"assigneeTeam": nil,
			},
		},
	}
}

func assignTaskToTeamPatches(variables tasksync.Variables) []tasksync.OptimisticPatch {
	id := variableId(variables, "id")
	teamId := variableId(variables, "teamId")
	if id == "" || teamId == "" {
		return nil
	}
	return []tasksync.OptimisticPatch{
		&tasksync.EntityFieldsPatch{
			Key: tasksync.EntityKindTask.EntityKey(id),
			Fields: map[string]any{
				"assignee":     nil,
				"assigneeTeam": tasksync.Ref(tasksync.EntityKindLocation.EntityKey(teamId)),
			},
		},
	}
}

func removePlan(kind tasksync.EntityKind) tasksync.OptimisticPlan {
	return tasksync.OptimisticPlanFunc(func(variables tasksync.Variables) []tasksync.OptimisticPatch {
		id := variableId(variables, "id")
		if id == "" {
			return nil
		}
		return []tasksync.OptimisticPatch{
			&tasksync.RemoveEntityPatch{
				Key: kind.EntityKey(id),
			},
		}
	})
}

func patientStatePlan(state PatientState) tasksync.OptimisticPlan {
	return tasksync.OptimisticPlanFunc(func(variables tasksync.Variables) []tasksync.OptimisticPatch {
		id := variableId(variables, "id")
		if id == "" {
			return nil
		}
		return []tasksync.OptimisticPatch{
			&tasksync.EntityFieldsPatch{
				Key: tasksync.EntityKindPatient.EntityKey(id),
				Fields: map[string]any{
					"state": string(state),
				},
			},
		}
	})
}

var taskInputFields = []string{
	"title",
	"description",
	"done",
	"dueDate",
	"priority",
	"estimatedTime",
}

var patientInputFields = []string{
	"firstname",
	"lastname",
	"birthdate",
	"sex",
	"description",
}

func updateTaskPatches(variables tasksync.Variables) []tasksync.OptimisticPatch {
	id := variableId(variables, "id")
	data, _ := variables["data"].(map[string]any)
	if id == "" || data == nil {
		return nil
	}
	return []tasksync.OptimisticPatch{
		&tasksync.EntityModifyPatch{
			Key: tasksync.EntityKindTask.EntityKey(id),
			Modify: func(fields map[string]any) map[string]any {
				copyInputFields(fields, data, taskInputFields)
				if properties, ok := data["properties"].([]any); ok {
					fields["properties"] = mergeProperties(id, fields["properties"], properties)
				}
				fields["updateDate"] = timestamp()
				return fields
			},
		},
	}
}

func updatePatientPatches(variables tasksync.Variables) []tasksync.OptimisticPatch {
	id := variableId(variables, "id")
	data, _ := variables["data"].(map[string]any)
	if id == "" || data == nil {
		return nil
	}
	return []tasksync.OptimisticPatch{
		&tasksync.EntityModifyPatch{
			Key: tasksync.EntityKindPatient.EntityKey(id),
			Modify: func(fields map[string]any) map[string]any {
				copyInputFields(fields, data, patientInputFields)
				_, hasFirstname := data["firstname"]
				_, hasLastname := data["lastname"]
				if _, ok := fields["name"]; ok && (hasFirstname || hasLastname) {
					fields["name"] = displayName(fields)
				}
				if properties, ok := data["properties"].([]any); ok {
					fields["properties"] = mergeProperties(id, fields["properties"], properties)
				}
				return fields
			},
		},
	}
}

// only keys present in the input are written. an explicit null clears the field.
func copyInputFields(fields map[string]any, data map[string]any, names []string) {
	for _, name := range names {
		if value, ok := data[name]; ok {
			fields[name] = value
		}
	}
}

func displayName(fields map[string]any) string {
	parts := []string{}
	for _, name := range []string{"firstname", "lastname"} {
		if s, ok := fields[name].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

var propertyValueFields = []string{
	"textValue",
	"numberValue",
	"booleanValue",
	"dateValue",
	"dateTimeValue",
	"selectValue",
	"multiSelectValues",
	"userValue",
}

// the input list replaces the property list
// an input matching an existing definition keeps the existing values it does not set
func mergeProperties(ownerId string, existing any, inputs []any) []any {
	existingByDefinition := map[string]map[string]any{}
	if existingList, ok := existing.([]any); ok {
		for _, item := range existingList {
			property, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if definitionId, ok := propertyDefinitionId(property); ok {
				existingByDefinition[definitionId] = property
			}
		}
	}

	merged := make([]any, 0, len(inputs))
	for _, item := range inputs {
		input, ok := item.(map[string]any)
		if !ok {
			continue
		}
		definitionId := variableId(input, "definitionId")
		if definitionId == "" {
			continue
		}
		property := map[string]any{}
		if current, ok := existingByDefinition[definitionId]; ok {
			for k, v := range current {
				property[k] = v
			}
		} else {
			property["id"] = fmt.Sprintf("attachment-%s-%s", ownerId, definitionId)
			property["definition"] = tasksync.Ref(tasksync.EntityKey{
				Typename: TypenamePropertyDefinition,
				Id:       definitionId,
			})
		}
		for _, name := range propertyValueFields {
			if value, ok := input[name]; ok && value != nil {
				property[name] = value
			} else if _, ok := property[name]; !ok {
				property[name] = nil
			}
		}
		merged = append(merged, property)
	}
	return merged
}

func propertyDefinitionId(property map[string]any) (string, bool) {
	switch definition := property["definition"].(type) {
	case map[string]any:
		if ref, ok := definition["__ref"].(string); ok {
			if key, ok := tasksync.ParseEntityKey(ref); ok {
				return key.Id, true
			}
			return "", false
		}
		id := variableId(definition, "id")
		return id, id != ""
	default:
		return "", false
	}
}
