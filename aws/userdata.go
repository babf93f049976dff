package aws

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"
	"github.com/teai-io/teai-backend/config"
)

const userDataBoundary = "==TEAI_USER_DATA=="

// cloud-init runs user scripts once per instance by default. Running them
// on every boot is what makes key and domain changes apply on restart.
const cloudConfigPart = `#cloud-config
cloud_final_modules:
- [scripts-user, always]
`

var bootScript = template.Must(template.New("boot").Parse(`#!/bin/bash
STATE_DIR=/var/lib/teai
mkdir -p "$STATE_DIR"

if [ -f /etc/os-release ]; then
    . /etc/os-release
fi

if [ "${ID:-}" = "amzn" ]; then
    APP_USER="ec2-user"
else
    APP_USER="ubuntu"
fi
APP_DIR="/home/$APP_USER"

if [ ! -f "$STATE_DIR/packages.done" ]; then
    if [ "$APP_USER" = "ec2-user" ]; then
        dnf update -y
        dnf install -y nginx certbot python3-certbot-nginx
    else
        apt-get update
        apt-get upgrade -y
        apt-get install -y nginx certbot python3-certbot-nginx
    fi
    systemctl enable nginx
    touch "$STATE_DIR/packages.done"
fi

# Update authorized_keys
install -d -m 700 -o "$APP_USER" -g "$APP_USER" "$APP_DIR/.ssh"
{{ .AuthorizedKeysCommand }} > "$APP_DIR/.ssh/authorized_keys"
chown "$APP_USER:$APP_USER" "$APP_DIR/.ssh/authorized_keys"
chmod 600 "$APP_DIR/.ssh/authorized_keys"

# Domain comes from the instance's Domain tag through the metadata service.
IMDS_TOKEN=$(curl -s -X PUT "http://169.254.169.254/latest/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 300")
DOMAIN=$(curl -sf -H "X-aws-ec2-metadata-token: $IMDS_TOKEN" http://169.254.169.254/latest/meta-data/tags/instance/Domain)
CURRENT_DOMAIN=$(cat "$STATE_DIR/domain" 2>/dev/null)

if [ -n "$DOMAIN" ] && [ "$DOMAIN" != "$CURRENT_DOMAIN" ]; then
    cat > /etc/nginx/conf.d/app.conf << EOL
server {
    listen 80;
    server_name ${DOMAIN};

    location / {
        proxy_pass http://localhost:{{ .AppPort }};
        proxy_http_version 1.1;
        proxy_set_header Upgrade \$http_upgrade;
        proxy_set_header Connection 'upgrade';
        proxy_set_header Host \$host;
        proxy_cache_bypass \$http_upgrade;
    }
}
EOL
    rm -f /etc/nginx/sites-enabled/default /etc/nginx/sites-available/default
    systemctl restart nginx

    if certbot --nginx -d "$DOMAIN" --non-interactive --agree-tos --email {{ .CertEmail }}; then
        echo "$DOMAIN" > "$STATE_DIR/domain"
    fi
fi

cd "$APP_DIR"
if [ -f "package.json" ]; then
    sudo -u "$APP_USER" npm install
    sudo -u "$APP_USER" nohup npm start > /var/log/teai-app.log 2>&1 &
fi
`))

// UserDataBuilder renders the instance boot script.
type UserDataBuilder struct {
	appPort   int
	certEmail string
}

func NewUserDataBuilder(cfg config.InstanceConfig) *UserDataBuilder {
	return &UserDataBuilder{appPort: cfg.AppPort, certEmail: cfg.CertEmail}
}

// Build returns the MIME multipart user data for an instance whose
// authorized_keys must hold exactly publicKeys.
func (b *UserDataBuilder) Build(publicKeys []string) ([]byte, error) {
	var script bytes.Buffer
	if err := bootScript.Execute(&script, struct {
		AppPort               int
		CertEmail             string
		AuthorizedKeysCommand string
	}{
		AppPort:               b.appPort,
		CertEmail:             shellquote.Join(b.certEmail),
		AuthorizedKeysCommand: authorizedKeysCommand(publicKeys),
	}); err != nil {
		return nil, fmt.Errorf("render boot script: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\nMIME-Version: 1.0\r\n\r\n", userDataBoundary)

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(userDataBoundary); err != nil {
		return nil, err
	}
	parts := []struct {
		contentType, filename, body string
	}{
		{"text/cloud-config", "cloud-config.txt", cloudConfigPart},
		{"text/x-shellscript", "userdata.sh", script.String()},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType + `; charset="us-ascii"`},
			"Content-Transfer-Encoding": {"7bit"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", p.filename)},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// authorizedKeysCommand prints each key on its own line, so the file equals
// the keys joined by newlines plus a trailing newline.
func authorizedKeysCommand(publicKeys []string) string {
	if len(publicKeys) == 0 {
		return ":"
	}
	keys := make([]string, 0, len(publicKeys))
	for _, k := range publicKeys {
		keys = append(keys, strings.TrimSpace(k))
	}
	return "printf '%s\\n' " + shellquote.Join(keys...)
}
