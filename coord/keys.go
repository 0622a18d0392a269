package coord

import "time"

// Key space shared with every other process talking to the same store.
const (
	taskKeyPrefix       = "task:"
	messageKeyPrefix    = "msg2task:"
	activeUserKeyPrefix = "user:active:"
	lockKeyPrefix       = "user:lock:"

	// EventChannel carries JSON encoded Events.
	EventChannel = "task:events"
)

const (
	DefaultTaskTTL = time.Hour
	DefaultLockTTL = 30 * time.Second
)

func taskKey(taskID string) string       { return taskKeyPrefix + taskID }
func messageKey(messageID string) string { return messageKeyPrefix + messageID }
func activeKey(userID string) string     { return activeUserKeyPrefix + userID }
func lockKey(userID string) string       { return lockKeyPrefix + userID }

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteSrc = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
