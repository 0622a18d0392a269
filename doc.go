// Package jobgate submits long-running external image-generation jobs on
// behalf of users and tracks them to completion with asynq workers, while
// the coord package keeps each user to a single in-flight job across every
// process sharing the same Redis.
//
// Quick start:
//  1. Build a coord.Coordinator over a go-redis client and Start it.
//  2. Create a Client with NewClient(redisOpt, coordinator, ...). Submit jobs with Submit.
//  3. Create a Processor with a TrackFunc that waits on the external job.
//  4. Start the processor; it moves jobs to IN_PROGRESS, SUCCESS or FAILURE,
//     which frees the user for their next submission.
package jobgate
