package qdrant

import "strings"

// Filter narrows a passage search to curriculum metadata. Zero values are
// ignored.
type Filter struct {
	TopicID    string
	GradeLevel int
	Subject    string
}

func (f Filter) asMap() map[string]any {
	must := make([]any, 0, 3)
	if v := strings.TrimSpace(f.TopicID); v != "" {
		must = append(must, matchCondition("topic_id", v))
	}
	if f.GradeLevel > 0 {
		must = append(must, map[string]any{
			"key": "grade_levels",
			"match": map[string]any{
				"any": []int{f.GradeLevel},
			},
		})
	}
	if v := strings.TrimSpace(f.Subject); v != "" {
		must = append(must, matchCondition("subject", v))
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key": key,
		"match": map[string]any{
			"value": value,
		},
	}
}
