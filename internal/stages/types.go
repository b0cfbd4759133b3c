package stages

type UnderstandingInput struct {
	Query      string
	GradeLevel int
}

type Understanding struct {
	TopicID   string `json:"topic_id"`
	TopicName string `json:"topic_name"`
	Subject   string `json:"subject,omitempty"`
	// Clarification is a rephrasing hint shown when confidence is too low.
	Clarification string `json:"clarification,omitempty"`
}

type InterestInput struct {
	Query      string
	TopicID    string
	TopicName  string
	GradeLevel int
	Candidates []string
}

type RetrievalInput struct {
	Query      string
	TopicID    string
	TopicName  string
	Subject    string
	GradeLevel int
	TopK       int
}

type Passage struct {
	ID     string
	Title  string
	Source string
	Text   string
	Score  float64
}

type ScriptInput struct {
	Query      string
	TopicName  string
	GradeLevel int
	Interest   string
	Passages   []Passage
}

type Script struct {
	Title string `json:"title"`
	Body  string `json:"script"`
}

// MediaInput carries what every media stage needs. KeyPrefix scopes uploaded
// objects to one run so concurrent generators never overwrite each other.
type MediaInput struct {
	KeyPrefix string
	Title     string
	Script    string
	Interest  string
	AudioURL  string
	ImageURLs []string
}

type MediaRef struct {
	URL         string
	ContentType string
}
