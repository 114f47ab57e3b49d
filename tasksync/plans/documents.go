package plans

import (
	"github.com/bringyour/tasksync/tasksync"
)

// the built-in operation documents
// every selection carries `__typename` so results normalize into the cache

const GetTaskDocument = `query GetTask($id: ID!) {
  task(id: $id) {
    __typename id title description done dueDate priority estimatedTime updateDate checksum
    patient { __typename id name assignedLocations { __typename id title parentId } }
    assignee { __typename id name avatarUrl }
    assigneeTeam { __typename id title kind parentId }
    properties { definition { __typename id name fieldType } textValue numberValue booleanValue dateValue dateTimeValue selectValue multiSelectValues }
  }
}`

const GetTasksDocument = `query GetTasks($rootLocationIds: [ID!], $assigneeId: ID, $assigneeTeamId: ID) {
  tasks(rootLocationIds: $rootLocationIds, assigneeId: $assigneeId, assigneeTeamId: $assigneeTeamId) {
    data {
      __typename id title done dueDate priority updateDate
      patient { __typename id name assignedLocations { __typename id title parentId } }
      assignee { __typename id name }
      assigneeTeam { __typename id title kind parentId }
    }
    totalCount
  }
}`

const GetMyTasksDocument = `query GetMyTasks {
  me {
    __typename id
    tasks {
      __typename id title done dueDate priority updateDate
      patient { __typename id name assignedLocations { __typename id title parentId } }
    }
  }
}`

const GetPatientDocument = `query GetPatient($id: ID!) {
  patient(id: $id) {
    __typename id name firstname lastname birthdate sex state description checksum
    assignedLocations { __typename id title kind parentId }
    clinic { __typename id title kind parentId }
    position { __typename id title kind parentId }
    teams { __typename id title kind parentId }
    properties { definition { __typename id name fieldType } textValue numberValue booleanValue dateValue dateTimeValue selectValue multiSelectValues }
  }
}`

const GetPatientsDocument = `query GetPatients($rootLocationIds: [ID!], $states: [PatientState!]) {
  patients(rootLocationIds: $rootLocationIds, states: $states) {
    data {
      __typename id name firstname lastname birthdate sex state
      assignedLocations { __typename id title kind parentId }
    }
    totalCount
  }
}`

const GetLocationsDocument = `query GetLocations($limit: Int, $offset: Int) {
  locationNodes(limit: $limit, offset: $offset) {
    __typename id title kind parentId
  }
}`

const GetLocationNodeDocument = `query GetLocationNode($id: ID!) {
  locationNode(id: $id) {
    __typename id title kind parentId
    parent { __typename id title kind parentId }
  }
}`

const GetGlobalDataDocument = `query GetGlobalData($rootLocationIds: [ID!]) {
  me {
    __typename id username name avatarUrl
    rootLocations { __typename id title kind parentId }
    tasks(rootLocationIds: $rootLocationIds) { __typename id done }
  }
  wards: locationNodes(kind: WARD) { __typename id title parentId }
  teams: locationNodes(kind: TEAM) { __typename id title parentId }
  clinics: locationNodes(kind: CLINIC) { __typename id title parentId }
}`

const CompleteTaskDocument = `mutation CompleteTask($id: ID!, $clientMutationId: String) {
  completeTask(id: $id, clientMutationId: $clientMutationId) { __typename id done updateDate }
}`

const ReopenTaskDocument = `mutation ReopenTask($id: ID!, $clientMutationId: String) {
  reopenTask(id: $id, clientMutationId: $clientMutationId) { __typename id done updateDate }
}`

const UpdateTaskDocument = `mutation UpdateTask($id: ID!, $data: UpdateTaskInput!, $clientMutationId: String) {
  updateTask(id: $id, data: $data, clientMutationId: $clientMutationId) {
    __typename id title description done dueDate priority estimatedTime updateDate checksum
    properties { definition { __typename id name fieldType } textValue numberValue booleanValue dateValue dateTimeValue selectValue multiSelectValues }
  }
}`

const AssignTaskDocument = `mutation AssignTask($id: ID!, $userId: ID!, $clientMutationId: String) {
  assignTask(id: $id, userId: $userId, clientMutationId: $clientMutationId) {
    __typename id assignee { __typename id name avatarUrl } assigneeTeam { __typename id title kind }
  }
}`

const UnassignTaskDocument = `mutation UnassignTask($id: ID!, $clientMutationId: String) {
  unassignTask(id: $id, clientMutationId: $clientMutationId) { __typename id assignee { __typename id name } }
}`

const AssignTaskToTeamDocument = `mutation AssignTaskToTeam($id: ID!, $teamId: ID!, $clientMutationId: String) {
  assignTaskToTeam(id: $id, teamId: $teamId, clientMutationId: $clientMutationId) {
    __typename id assignee { __typename id name } assigneeTeam { __typename id title kind parentId }
  }
}`

const UnassignTaskFromTeamDocument = `mutation UnassignTaskFromTeam($id: ID!, $clientMutationId: String) {
  unassignTaskFromTeam(id: $id, clientMutationId: $clientMutationId) { __typename id assigneeTeam { __typename id title } }
}`

const DeleteTaskDocument = `mutation DeleteTask($id: ID!, $clientMutationId: String) {
  deleteTask(id: $id, clientMutationId: $clientMutationId)
}`

const UpdatePatientDocument = `mutation UpdatePatient($id: ID!, $data: UpdatePatientInput!, $clientMutationId: String) {
  updatePatient(id: $id, data: $data, clientMutationId: $clientMutationId) {
    __typename id name firstname lastname birthdate sex state checksum
    properties { definition { __typename id name fieldType } textValue numberValue booleanValue dateValue dateTimeValue selectValue multiSelectValues }
  }
}`

const AdmitPatientDocument = `mutation AdmitPatient($id: ID!, $clientMutationId: String) {
  admitPatient(id: $id, clientMutationId: $clientMutationId) { __typename id state }
}`

const DischargePatientDocument = `mutation DischargePatient($id: ID!, $clientMutationId: String) {
  dischargePatient(id: $id, clientMutationId: $clientMutationId) { __typename id state }
}`

const WaitPatientDocument = `mutation WaitPatient($id: ID!, $clientMutationId: String) {
  waitPatient(id: $id, clientMutationId: $clientMutationId) { __typename id state }
}`

const MarkPatientDeadDocument = `mutation MarkPatientDead($id: ID!, $clientMutationId: String) {
  markPatientDead(id: $id, clientMutationId: $clientMutationId) { __typename id state }
}`

const DeletePatientDocument = `mutation DeletePatient($id: ID!, $clientMutationId: String) {
  deletePatient(id: $id, clientMutationId: $clientMutationId)
}`

var QueryDocuments = []string{
	GetTaskDocument,
	GetTasksDocument,
	GetMyTasksDocument,
	GetPatientDocument,
	GetPatientsDocument,
	GetLocationsDocument,
	GetLocationNodeDocument,
	GetGlobalDataDocument,
}

var MutationDocuments = []string{
	CompleteTaskDocument,
	ReopenTaskDocument,
	UpdateTaskDocument,
	AssignTaskDocument,
	UnassignTaskDocument,
	AssignTaskToTeamDocument,
	UnassignTaskFromTeamDocument,
	DeleteTaskDocument,
	UpdatePatientDocument,
	AdmitPatientDocument,
	DischargePatientDocument,
	WaitPatientDocument,
	MarkPatientDeadDocument,
	DeletePatientDocument,
}

func RegisterDocuments(documents *tasksync.DocumentRegistry) error {
	if err := documents.Register(QueryDocuments...); err != nil {
		return err
	}
	return documents.Register(MutationDocuments...)
}
