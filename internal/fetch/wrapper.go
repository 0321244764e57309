package fetch

import (
	"bytes"
	"encoding/json"
	"html/template"
)

// SizeBinding is the callback the wrapper page reports natural size through.
const SizeBinding = "reportImageSize"

var wrapperTemplate = template.Must(template.New("wrapper").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>html,body{margin:0;padding:0;background:#000}img{display:block;width:100%;height:auto}</style>
</head>
<body>
<img id="resource" src="{{.URL}}" alt="">
<script>
(function () {
  var img = document.getElementById("resource");
  var sent = false;
  function report() {
    if (sent || !img.naturalWidth) return;
    sent = true;
    try {
      window[{{.Binding}}](JSON.stringify({ width: img.naturalWidth, height: img.naturalHeight }));
    } catch (e) {}
  }
  if (img.complete) report();
  img.addEventListener("load", report);
})();
</script>
</body>
</html>`))

// wrapperHTML renders the page that displays resourceURL.
func wrapperHTML(resourceURL string) (string, error) {
	var buf bytes.Buffer
	err := wrapperTemplate.Execute(&buf, struct {
		URL     string
		Binding string
	}{resourceURL, SizeBinding})
	return buf.String(), err
}

type sizeReport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func parseSize(payload string) (sizeReport, bool) {
	var r sizeReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return r, false
	}
	return r, r.Width > 0 && r.Height > 0
}
