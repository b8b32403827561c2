// Package pool recycles pipeline envelopes across requests.
package pool

import (
	"sync"

	"github.com/routecodex/routecodex/internal/pipeline"
)

var (
	requestPool = sync.Pool{
		New: func() any {
			return new(pipeline.Request)
		},
	}

	responsePool = sync.Pool{
		New: func() any {
			return new(pipeline.Response)
		},
	}
)

// GetRequest gets a request envelope from the pool.
func GetRequest() *pipeline.Request {
	return requestPool.Get().(*pipeline.Request)
}

// PutRequest resets and returns a request envelope to the pool. Never put
// back an envelope whose payload holds a live stream.
func PutRequest(req *pipeline.Request) {
	*req = pipeline.Request{}
	requestPool.Put(req)
}

// GetResponse gets a response envelope from the pool.
func GetResponse() *pipeline.Response {
	return responsePool.Get().(*pipeline.Response)
}

// PutResponse resets and returns a response envelope to the pool.
func PutResponse(resp *pipeline.Response) {
	*resp = pipeline.Response{}
	responsePool.Put(resp)
}
