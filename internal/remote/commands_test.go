package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"/opt/jmeter", "/home/load_gen/apache-jmeter-5.6", "/"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}

	invalid := []string{
		"",
		"opt/jmeter",
		"/opt/jmeter; rm -rf /",
		"/opt/$(id)",
		"/opt/`id`",
		"/opt/jm eter",
		"/opt/../etc",
		"/opt/'x'",
	}
	for _, p := range invalid {
		assert.Error(t, ValidatePath(p), p)
	}
}

func TestValidateHost(t *testing.T) {
	for _, h := range []string{"10.0.0.5", "::1", "loadgen-01", "node.example.com"} {
		assert.NoError(t, ValidateHost(h), h)
	}
	for _, h := range []string{"", "10.0.0.5;reboot", "-oProxyCommand=x", "a b", "host_name"} {
		assert.Error(t, ValidateHost(h), h)
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, quote("plain"))
	assert.Equal(t, `'it'\''s'`, quote("it's"))
}

func TestChecksumCommand(t *testing.T) {
	cmd, err := ChecksumCommand("/opt/jmeter")
	require.NoError(t, err)
	assert.Equal(t, "checksum", cmd.Name)
	assert.Equal(t, "md5sum '/opt/jmeter/bin/jmeter-server' 2>/dev/null | cut -d ' ' -f1", cmd.Text)

	_, err = ChecksumCommand("/opt/jmeter;id")
	assert.Error(t, err)
}

func TestMkdirCommand(t *testing.T) {
	cmd, err := MkdirCommand("/opt/jmeter/")
	require.NoError(t, err)
	assert.Equal(t, "mkdir -p '/opt/jmeter/bin/stressTestCases'", cmd.Text)
}

func TestStartCommand(t *testing.T) {
	cmd, err := StartCommand("/opt/jmeter", "10.0.0.5", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "start", cmd.Name)
	assert.Contains(t, cmd.Text, "cd '/opt/jmeter/bin/stressTestCases' || exit 1;")
	assert.Contains(t, cmd.Text, "nohup sh ../jmeter-server '-Djava.rmi.server.hostname=10.0.0.5'")
	assert.Contains(t, cmd.Text, "-lt 5 ]")
	assert.Contains(t, cmd.Text, "grep -q 'remote' jmeter-server.out")

	// sub-second waits still poll once
	cmd, err = StartCommand("/opt/jmeter", "10.0.0.5", 0)
	require.NoError(t, err)
	assert.Contains(t, cmd.Text, "-lt 1 ]")

	_, err = StartCommand("/opt/jmeter", "10.0.0.5$(reboot)", time.Second)
	assert.Error(t, err)
	_, err = StartCommand("/opt/jm eter", "10.0.0.5", time.Second)
	assert.Error(t, err)
}

func TestKillCommand(t *testing.T) {
	cmd := KillCommand()
	assert.Equal(t, "kill", cmd.Name)
	assert.Contains(t, cmd.Text, "[j]meter-server")
	assert.Contains(t, cmd.Text, "; true")
}

func TestTargetStringOmitsPassword(t *testing.T) {
	tgt := Target{Host: "10.0.0.5", Port: 2222, Username: "load", Password: "s3cret"}
	assert.Equal(t, "load@10.0.0.5:2222", tgt.String())
	assert.NotContains(t, tgt.String(), "s3cret")
}
