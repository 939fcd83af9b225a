package webhook

// The go-github event types decode timestamps strictly and abandon the whole
// payload on the first bad one. These carry only the fields the log and the
// deploy decision read, all as plain strings, so a malformed unrelated field
// cannot hide the ref.

type pushPayload struct {
	Ref        string         `json:"ref"`
	Pusher     pushPusher     `json:"pusher"`
	Repository payloadRepo    `json:"repository"`
	Commits    []pushedCommit `json:"commits"`
}

type pushPusher struct {
	Name string `json:"name"`
}

type payloadRepo struct {
	FullName string `json:"full_name"`
}

type pushedCommit struct {
	ID      string     `json:"id"`
	Message string     `json:"message"`
	Author  pushPusher `json:"author"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number *int    `json:"number"`
		Title  *string `json:"title"`
		User   *struct {
			Login *string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}
