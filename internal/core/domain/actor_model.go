package domain

const (
	ACTOR_ID_MASTER      = "master"
	ACTOR_ID_ACQUISITION = "acquisition"
	ACTOR_ID_MQTT        = "mqtt"
)

type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

type ActorHealthRequest struct{}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// RunCycleRequest asks the acquisition actor for an immediate cycle. It is
// dropped while a cycle is running.
type RunCycleRequest struct{}

type GetLastCycleRequest struct{}

type GetLastCycleResponse struct {
	ActorResponseMixIn
	Cycles    uint64
	Transport string
	Success   bool
	Stale     bool
	Error     string
}
