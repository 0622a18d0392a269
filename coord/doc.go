// Package coord coordinates long-running external jobs across any number of
// stateless processes that share a single Redis instance.
//
// It guarantees that each user has at most one in-flight job, that job state
// changes reach every process through a pub/sub channel, and that a crashed
// process never blocks a user for longer than the submission lock TTL.
//
// Key space:
//
//	task:<taskId>          task record (JSON), TTL TaskTTL
//	msg2task:<messageId>   external message to task id, TTL TaskTTL
//	user:active:<userId>   the user's active task id, TTL TaskTTL
//	user:lock:<userId>     submission lock fencing token, TTL LockTTL
//
// Quick start:
//  1. Build a Coordinator with New(redisClient, Options{...}).
//  2. Call Start to join the lifecycle channel; Close on shutdown.
//  3. Submit with AcquireAndCreate and report progress with Update.
//  4. Optionally run a Sweeper to trim records older than a fixed age.
package coord
