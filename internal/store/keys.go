package store

import "strings"

// Keys is the key layout of the coordination store. Every key starts with Prefix.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	return k.Prefix + ":" + strings.Join(parts, ":")
}

// Registration is the record of one service; it expires with the lease.
func (k Keys) Registration(name string) string { return k.join("registry", name) }

// RegistrationPattern matches every registration record.
func (k Keys) RegistrationPattern() string { return k.join("registry", "*") }

// LiveChannels is the set of channels with a live registration.
func (k Keys) LiveChannels() string { return k.join("channels") }

// ChannelTimestamp holds the epoch second of the last registration on channel.
func (k Keys) ChannelTimestamp(channel string) string { return k.join("channel", channel) }

// RequestQueue is the durable request queue of a service.
func (k Keys) RequestQueue(service string) string { return k.join("queue", service) }

// ResponseQueue is the durable response queue of a service.
func (k Keys) ResponseQueue(service string) string { return k.join("responses", service) }

// HandlerMutex marks a job whose handler is running.
func (k Keys) HandlerMutex(jobID string) string { return k.join("handler", jobID) }

// JobLock guards the dispatch of one job.
func (k Keys) JobLock(jobID string) string { return k.join("lock", "job", jobID) }

// ClaimLock guards the scan-and-remove of one queue.
func (k Keys) ClaimLock(queue string) string { return k.join("lock", "claim", queue) }

// ProcessingLock allows one running job across all workers sharing the prefix.
func (k Keys) ProcessingLock() string { return k.join("lock", "processing") }

// ProcessingQueue is the internal queue of claimed jobs of one worker process.
func (k Keys) ProcessingQueue(worker string) string { return k.join("processing", worker) }

// Result is the list a job result is delivered to.
func (k Keys) Result(service, jobID string) string { return k.join("result", service, jobID) }

// ServiceFromQueue returns the service name a queue key belongs to (the suffix after the last colon).
func ServiceFromQueue(queue string) string {
	if i := strings.LastIndex(queue, ":"); i >= 0 {
		return queue[i+1:]
	}
	return queue
}
