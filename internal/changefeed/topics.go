package changefeed

import "time"

// Topic names mirror the document paths of the collections they announce.

const (
	TopicPublicSnippets    = "snippets/public"
	TopicCommunitySnippets = "snippets/community"
	TopicTags              = "meta/tags"
)

func OwnerSnippets(userID string) string {
	return "snippets/owner/" + userID
}

func Snippet(snippetID string) string {
	return "snippets/" + snippetID
}

func Votes(userID string) string {
	return "users/" + userID + "/votes"
}

func Favorites(userID string) string {
	return "users/" + userID + "/favorites"
}

func Bookmarks(userID string) string {
	return "users/" + userID + "/bookmarks"
}

func Todos(snippetID string) string {
	return "snippets/" + snippetID + "/todos"
}

func Versions(snippetID string) string {
	return "snippets/" + snippetID + "/versions"
}

func FeedbackRequests(snippetID string) string {
	return "snippets/" + snippetID + "/feedbackRequests"
}

func FeedbackComments(requestID string) string {
	return "feedbackRequests/" + requestID + "/comments"
}

func Profile(userID string) string {
	return "profiles/" + userID
}

// Events builds one event per distinct topic for a change to documentIDs.
func Events(kind string, at time.Time, documentIDs []string, topics ...string) []Event {
	seen := make(map[string]struct{}, len(topics))
	events := make([]Event, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		events = append(events, Event{Topic: topic, Kind: kind, DocumentIDs: documentIDs, Timestamp: at})
	}
	return events
}
