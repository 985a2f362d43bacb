package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) explorer(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(explorerPage))
}

const explorerPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>querygate explorer</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 2rem; max-width: 60rem; }
  textarea { width: 100%; font-family: ui-monospace, monospace; }
  pre { background: #f4f4f4; padding: 1rem; overflow: auto; }
  .err { color: #a00; }
</style>
</head>
<body>
<h1>querygate</h1>
<form id="q">
  <label>Query<br><textarea id="query" rows="8">SELECT 1 AS one</textarea></label>
  <label>Variables (JSON array)<br><textarea id="variables" rows="2">[]</textarea></label>
  <label><input type="checkbox" id="write"> write</label>
  <button type="submit">Run</button>
</form>
<pre id="out"></pre>
<script>
document.getElementById("q").addEventListener("submit", async (ev) => {
  ev.preventDefault();
  const out = document.getElementById("out");
  out.className = "";
  let variables;
  try {
    variables = JSON.parse(document.getElementById("variables").value || "[]");
  } catch (e) {
    out.className = "err";
    out.textContent = "variables: " + e.message;
    return;
  }
  const body = {
    query: document.getElementById("query").value,
    variables: variables,
    write: document.getElementById("write").checked,
  };
  const resp = await fetch("/query", {
    method: "POST",
    headers: { "Content-Type": "application/json", "Accept": "application/json" },
    body: JSON.stringify(body),
  });
  const text = await resp.text();
  if (!resp.ok) out.className = "err";
  try {
    out.textContent = JSON.stringify(JSON.parse(text), null, 2);
  } catch (e) {
    out.textContent = text;
  }
});
</script>
</body>
</html>
`
