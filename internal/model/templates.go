package model

import "sort"

// Template is a built-in form layout a session can be created from.
type Template struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
}

var templates = map[string]Template{
	"feedback": {
		ID:          "feedback",
		Title:       "Customer Feedback Form",
		Description: "Help us improve by sharing your experience",
		Fields: []Field{
			{ID: "name", Type: "text", Label: "Full Name", Required: true},
			{ID: "email", Type: "email", Label: "Email Address", Required: true},
			{ID: "product", Type: "select", Label: "Product/Service", Required: true, Options: []string{"Product A", "Product B", "Product C", "Other"}},
			{ID: "rating", Type: "select", Label: "Overall Satisfaction", Required: true, Options: []string{"Very Satisfied", "Satisfied", "Neutral", "Dissatisfied", "Very Dissatisfied"}},
			{ID: "experience", Type: "textarea", Label: "Tell us about your experience"},
			{ID: "issue_screenshot", Type: "screenshot", Label: "Screenshot of any issues (optional)"},
			{ID: "recommend", Type: "checkbox", Label: "Would you recommend us to others?"},
			{ID: "contact", Type: "checkbox", Label: "May we contact you for follow-up?"},
		},
	},
	"application": {
		ID:          "application",
		Title:       "Job Application Form",
		Description: "Apply for open positions at our company",
		Fields: []Field{
			{ID: "fullname", Type: "text", Label: "Full Name", Required: true},
			{ID: "email", Type: "email", Label: "Email Address", Required: true},
			{ID: "phone", Type: "tel", Label: "Phone Number", Required: true},
			{ID: "position", Type: "select", Label: "Position Applied For", Required: true, Options: []string{"Software Engineer", "Product Manager", "Designer", "Marketing Manager", "Sales Representative"}},
			{ID: "experience", Type: "number", Label: "Years of Experience", Required: true},
			{ID: "education", Type: "select", Label: "Highest Education", Required: true, Options: []string{"High School", "Bachelor's Degree", "Master's Degree", "PhD", "Other"}},
			{ID: "startdate", Type: "date", Label: "Available Start Date", Required: true},
			{ID: "salary", Type: "text", Label: "Expected Salary Range"},
			{ID: "coverletter", Type: "textarea", Label: "Cover Letter", Required: true},
			{ID: "remote", Type: "checkbox", Label: "Interested in remote work?"},
		},
	},
	"event": {
		ID:          "event",
		Title:       "Event Registration Form",
		Description: "Register for our upcoming event",
		Fields: []Field{
			{ID: "name", Type: "text", Label: "Full Name", Required: true},
			{ID: "email", Type: "email", Label: "Email Address", Required: true},
			{ID: "organization", Type: "text", Label: "Organization/Company"},
			{ID: "role", Type: "text", Label: "Job Title"},
			{ID: "attendance", Type: "select", Label: "Attendance Type", Required: true, Options: []string{"In-Person", "Virtual", "Hybrid"}},
			{ID: "venue_screenshot", Type: "screenshot", Label: "Screenshot of venue location (if virtual)"},
			{ID: "sessions", Type: "select", Label: "Preferred Session Track", Required: true, Options: []string{"Technical", "Business", "Leadership", "All Tracks"}},
			{ID: "dietary", Type: "select", Label: "Dietary Restrictions", Options: []string{"None", "Vegetarian", "Vegan", "Gluten-Free", "Other"}},
			{ID: "accessibility_screenshot", Type: "screenshot", Label: "Screenshot of accessibility requirements"},
			{ID: "tshirt", Type: "select", Label: "T-Shirt Size", Options: []string{"S", "M", "L", "XL", "XXL"}},
			{ID: "updates", Type: "checkbox", Label: "Send me event updates"},
			{ID: "networking", Type: "checkbox", Label: "Interested in networking session"},
		},
	},
	"survey": {
		ID:          "survey",
		Title:       "Research Survey",
		Description: "Your responses help us understand market trends",
		Fields: []Field{
			{ID: "age", Type: "select", Label: "Age Group", Required: true, Options: []string{"18-24", "25-34", "35-44", "45-54", "55-64", "65+"}},
			{ID: "gender", Type: "select", Label: "Gender", Required: true, Options: []string{"Male", "Female", "Non-binary", "Prefer not to say"}},
			{ID: "location", Type: "text", Label: "City/State", Required: true},
			{ID: "income", Type: "select", Label: "Annual Income Range", Options: []string{"< $25k", "$25k-$50k", "$50k-$75k", "$75k-$100k", "> $100k"}},
			{ID: "shopping", Type: "select", Label: "Online Shopping Frequency", Required: true, Options: []string{"Daily", "Weekly", "Monthly", "Rarely", "Never"}},
			{ID: "brands", Type: "textarea", Label: "Favorite Brands (list up to 5)"},
			{ID: "socialmedia", Type: "checkbox", Label: "Active on social media"},
			{ID: "newsletter", Type: "checkbox", Label: "Subscribe to newsletters"},
			{ID: "research", Type: "checkbox", Label: "Willing to participate in future research"},
		},
	},
}

// LookupTemplate returns a copy of the named template.
func LookupTemplate(id string) (Template, bool) {
	t, ok := templates[id]
	if !ok {
		return Template{}, false
	}
	t.Fields = append([]Field(nil), t.Fields...)
	return t, true
}

// Templates lists all built-in templates sorted by id.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for id := range templates {
		t, _ := LookupTemplate(id)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
