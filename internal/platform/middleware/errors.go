package middleware

// errorBody is the JSON error shape the API returns for middleware
// rejections.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
