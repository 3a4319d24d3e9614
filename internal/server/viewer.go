package server

import (
	"html/template"
	"net/http"
)

var viewerTemplate = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Multiplexer: {{.Stream}}</title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
img { max-width: 100%; border: 1px solid #333; }
button { margin: 0 .25em .5em 0; }
#reply { font-family: monospace; }
</style>
</head>
<body>
<div>
<button onclick="send('source=rgb')">RGB</button>
<button onclick="send('source=ir')">IR</button>
<button onclick="send('source=depth')">Depth</button>
<button onclick="send('source=picam')">Pi Camera</button>
<label>quality <input id="quality" type="number" min="1" max="100" value="70"></label>
<label>scale <input id="scale" type="number" min="0.25" max="2" step="0.25" value="1"></label>
<select id="picam_res">
<option>low</option><option>medium</option><option>high</option><option>full</option>
</select>
<button onclick="apply()">Apply</button>
<span id="reply"></span>
</div>
<img src="/stream/{{.Stream}}" alt="{{.Stream}}">
<script>
const stream = {{.Stream}};
function send(query) {
  fetch('/switch?stream=' + encodeURIComponent(stream) + '&' + query, {method: 'POST'})
    .then(r => r.text())
    .then(t => { document.getElementById('reply').textContent = t; });
}
function apply() {
  const q = document.getElementById('quality').value;
  const s = document.getElementById('scale').value;
  const p = document.getElementById('picam_res').value;
  send('quality=' + q + '&scale=' + s + '&picam_res=' + p);
}
</script>
</body>
</html>
`))

const dualViewerPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Multiplexer: all streams</title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
.grid { display: flex; flex-wrap: wrap; gap: 1em; }
figure { margin: 0; }
img { max-width: 48vw; border: 1px solid #333; }
</style>
</head>
<body>
<div class="grid" id="grid"></div>
<script>
fetch('/status').then(r => r.json()).then(st => {
  const grid = document.getElementById('grid');
  for (const id of st.order) {
    const fig = document.createElement('figure');
    const img = document.createElement('img');
    img.src = '/stream/' + encodeURIComponent(id);
    const cap = document.createElement('figcaption');
    cap.textContent = id + ' (' + st.streams[id].source + ')';
    fig.append(img, cap);
    grid.append(fig);
  }
});
</script>
</body>
</html>
`

func viewerHandler(defaultStream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		viewerTemplate.Execute(w, struct{ Stream string }{defaultStream})
	}
}

func dualViewerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dualViewerPage))
}
